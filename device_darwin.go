//go:build darwin

package usb

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include "iokit_shim_darwin.h"
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// darwinPipe remembers which IOUSBInterfaceInterface pipe reference
// serves a given endpoint, since IOKit indexes pipes per claimed
// interface (1..N) rather than by the USB endpoint address.
type darwinPipe struct {
	ref       uint8
	direction TransferDirection
}

type darwinInterfaceHandle struct {
	intf  **C.IOUSBInterfaceInterface190
	pipes map[int]darwinPipe // endpoint address (number plus direction bit) -> pipe
}

// darwinDriver implements driver on top of IOKit's IOUSBDeviceInterface
// and IOUSBInterfaceInterface plug-ins, grounded in the teacher's cgo
// shape (device_darwin.go) and generalized so claiming an interface
// really opens its IOUSBInterfaceInterface plug-in instead of only
// recording a flag.
type darwinDriver struct {
	service C.io_service_t
	plugin  **C.IOCFPlugInInterface
	dev     **C.IOUSBDeviceInterface187

	interfaces map[int]*darwinInterfaceHandle

	detachDrivers bool
}

func newDarwinDriver(service C.io_service_t) *darwinDriver {
	C.IOObjectRetain(C.io_object_t(service))
	return &darwinDriver{service: service, interfaces: make(map[int]*darwinInterfaceHandle)}
}

func ioReturnError(op string, ret C.IOReturn) error {
	if ret == 0 {
		return nil
	}
	return NewUSBError(op, fmt.Errorf("IOReturn 0x%x", uint32(ret)))
}

func (d *darwinDriver) open() error {
	var plugin **C.IOCFPlugInInterface
	if ret := C.usbhost_create_device_plugin(d.service, &plugin); ret != 0 {
		return ioReturnError("creating device plug-in", ret)
	}

	var dev **C.IOUSBDeviceInterface187
	hr := C.usbhost_query_device_interface(plugin, &dev)
	C.usbhost_plugin_release(plugin)
	if hr != 0 || dev == nil {
		return NewUSBError("querying device interface", fmt.Errorf("HRESULT 0x%x", uint32(hr)))
	}

	// USBDeviceOpenSeize can transiently fail while the device is
	// settling right after enumeration; retry briefly as the
	// reference implementation's native driver does.
	var ret C.IOReturn
	for attempt := 0; attempt < 10; attempt++ {
		ret = C.usbhost_device_open(dev)
		if ret == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if ret != 0 {
		C.usbhost_device_release(dev)
		return ioReturnError("opening device", ret)
	}

	d.dev = dev
	return nil
}

func (d *darwinDriver) close() {
	for number := range d.interfaces {
		d.releaseInterfaceLocked(number)
	}
	if d.dev != nil {
		C.usbhost_device_close(d.dev)
		C.usbhost_device_release(d.dev)
		d.dev = nil
	}
}

// claimInterface walks the device's interface iterator looking for the
// plug-in whose bInterfaceNumber matches, since IOKit's iterator yields
// every interface of the device in descriptor order rather than letting
// callers index by interface number directly.
func (d *darwinDriver) claimInterface(number int) error {
	var iter C.io_iterator_t
	if ret := C.usbhost_device_create_iface_iterator(d.dev, &iter); ret != 0 {
		return ioReturnError("claiming interface", ret)
	}
	defer C.IOObjectRelease(iter)

	for {
		service := C.IOIteratorNext(iter)
		if service == 0 {
			return NewUSBError("claiming interface", fmt.Errorf("interface %d not found", number))
		}

		var plugin **C.IOCFPlugInInterface
		ret := C.usbhost_create_interface_plugin(service, &plugin)
		C.IOObjectRelease(C.io_object_t(service))
		if ret != 0 {
			continue
		}

		var intf **C.IOUSBInterfaceInterface190
		hr := C.usbhost_query_interface_interface(plugin, &intf)
		C.usbhost_plugin_release(plugin)
		if hr != 0 || intf == nil {
			continue
		}

		var ifaceNumber C.UInt8
		if ret := C.usbhost_interface_get_number(intf, &ifaceNumber); ret != 0 || int(ifaceNumber) != number {
			C.usbhost_interface_release(intf)
			continue
		}

		if ret := C.usbhost_interface_open(intf); ret != 0 {
			C.usbhost_interface_release(intf)
			return ioReturnError("opening interface", ret)
		}

		handle := &darwinInterfaceHandle{intf: intf, pipes: make(map[int]darwinPipe)}
		d.indexPipes(handle)
		d.interfaces[number] = handle
		return nil
	}
}

// indexPipes walks every pipe of a just-opened interface and records
// which pipe reference serves each endpoint number/direction, since
// WritePipeTO/ReadPipeTO address pipes by IOKit's own 1-based index
// rather than by USB endpoint address.
func (d *darwinDriver) indexPipes(handle *darwinInterfaceHandle) {
	for ref := C.UInt8(1); ; ref++ {
		var direction, number, transferType, interval C.UInt8
		var maxPacketSize C.UInt16
		ret := C.usbhost_interface_pipe_props(handle.intf, ref, &direction, &number, &transferType, &maxPacketSize, &interval)
		if ret != 0 {
			return
		}
		dir := DirectionOut
		if direction == 1 {
			dir = DirectionIn
		}
		handle.pipes[int(EndpointAddress(int(number), dir))] = darwinPipe{ref: uint8(ref), direction: dir}
	}
}

func (d *darwinDriver) releaseInterface(number int) error {
	d.releaseInterfaceLocked(number)
	return nil
}

func (d *darwinDriver) releaseInterfaceLocked(number int) {
	handle, ok := d.interfaces[number]
	if !ok {
		return
	}
	C.usbhost_interface_close(handle.intf)
	C.usbhost_interface_release(handle.intf)
	delete(d.interfaces, number)
}

func (d *darwinDriver) selectAlternate(interfaceNumber, alternateNumber int) error {
	handle, ok := d.interfaces[interfaceNumber]
	if !ok {
		return NewUSBError("selecting alternate interface", fmt.Errorf("interface %d not claimed", interfaceNumber))
	}
	if ret := C.usbhost_interface_set_alternate(handle.intf, C.UInt8(alternateNumber)); ret != 0 {
		return ioReturnError("selecting alternate interface", ret)
	}
	d.indexPipes(handle)
	return nil
}

func (d *darwinDriver) controlTransferIn(t ControlTransfer, length int) ([]byte, error) {
	buffer := make([]byte, length)
	req := C.IOUSBDevRequestTO{
		bmRequestType:     C.UInt8(t.bmRequestType(DirectionIn)),
		bRequest:          C.UInt8(t.Request),
		wValue:            C.UInt16(t.Value),
		wIndex:            C.UInt16(t.Index),
		wLength:           C.UInt16(length),
		noDataTimeout:     5000,
		completionTimeout: 5000,
	}
	if length > 0 {
		req.pData = unsafe.Pointer(&buffer[0])
	}
	if ret := C.usbhost_device_control(d.dev, &req); ret != 0 {
		return nil, ioReturnError("control transfer IN", ret)
	}
	return buffer[:req.wLenDone], nil
}

func (d *darwinDriver) controlTransferOut(t ControlTransfer, data []byte) error {
	req := C.IOUSBDevRequestTO{
		bmRequestType:     C.UInt8(t.bmRequestType(DirectionOut)),
		bRequest:          C.UInt8(t.Request),
		wValue:            C.UInt16(t.Value),
		wIndex:            C.UInt16(t.Index),
		noDataTimeout:     5000,
		completionTimeout: 5000,
	}
	if len(data) > 0 {
		req.wLength = C.UInt16(len(data))
		req.pData = unsafe.Pointer(&data[0])
	}
	if ret := C.usbhost_device_control(d.dev, &req); ret != 0 {
		return ioReturnError("control transfer OUT", ret)
	}
	return nil
}

func (d *darwinDriver) findPipe(endpointNumber int, direction TransferDirection) (*darwinInterfaceHandle, uint8, error) {
	for _, handle := range d.interfaces {
		if pipe, ok := handle.pipes[int(EndpointAddress(endpointNumber, direction))]; ok && pipe.direction == direction {
			return handle, pipe.ref, nil
		}
	}
	return nil, 0, fmt.Errorf("no claimed interface serves endpoint %d/%s", endpointNumber, direction)
}

// transferIn implements the three-way IOKit timeout strategy from
// macosdevice.py's transfer_in: no timeout uses plain ReadPipe; a BULK
// endpoint with a timeout uses ReadPipeTO, the only pipe kind IOKit
// lets time out on its own; an INTERRUPT endpoint with a timeout calls
// plain ReadPipe and races it against a timer that aborts the pipe,
// since IOKit has no ReadPipeTO equivalent for interrupt transfers.
func (d *darwinDriver) transferIn(endpointNumber, maxPacketSize int, transferType TransferType, timeoutSeconds float64) ([]byte, error) {
	handle, ref, err := d.findPipe(endpointNumber, DirectionIn)
	if err != nil {
		return nil, NewUSBError("transfer in", err)
	}
	buffer := make([]byte, maxPacketSize)
	size := C.UInt32(len(buffer))

	switch {
	case timeoutSeconds <= 0:
		ret := C.usbhost_interface_read_pipe(handle.intf, C.UInt8(ref), unsafe.Pointer(&buffer[0]), &size)
		if err := darwinTransferError("transfer in", ret); err != nil {
			return nil, err
		}
	case transferType == TransferTypeBulk:
		timeoutMs := C.UInt32(timeoutMillis(timeoutSeconds))
		ret := C.usbhost_interface_read_pipe_to(handle.intf, C.UInt8(ref), unsafe.Pointer(&buffer[0]), &size, timeoutMs)
		if err := darwinTransferError("transfer in", ret); err != nil {
			return nil, err
		}
	default:
		timer := newDarwinTransferTimeout(handle.intf, C.UInt8(ref), timeoutSeconds)
		ret := C.usbhost_interface_read_pipe(handle.intf, C.UInt8(ref), unsafe.Pointer(&buffer[0]), &size)
		if timer.abortedBeforeCancel(ret) {
			return nil, NewTransferTimeoutError("transfer in")
		}
		if err := darwinTransferError("transfer in", ret); err != nil {
			return nil, err
		}
	}
	return buffer[:size], nil
}

func (d *darwinDriver) transferOut(endpointNumber int, data []byte, transferType TransferType, timeoutSeconds float64) error {
	handle, ref, err := d.findPipe(endpointNumber, DirectionOut)
	if err != nil {
		return NewUSBError("transfer out", err)
	}
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}

	switch {
	case timeoutSeconds <= 0:
		ret := C.usbhost_interface_write_pipe(handle.intf, C.UInt8(ref), ptr, C.UInt32(len(data)))
		return darwinTransferError("transfer out", ret)
	case transferType == TransferTypeBulk:
		timeoutMs := C.UInt32(timeoutMillis(timeoutSeconds))
		ret := C.usbhost_interface_write_pipe_to(handle.intf, C.UInt8(ref), ptr, C.UInt32(len(data)), timeoutMs)
		return darwinTransferError("transfer out", ret)
	default:
		timer := newDarwinTransferTimeout(handle.intf, C.UInt8(ref), timeoutSeconds)
		ret := C.usbhost_interface_write_pipe(handle.intf, C.UInt8(ref), ptr, C.UInt32(len(data)))
		if timer.abortedBeforeCancel(ret) {
			return NewTransferTimeoutError("transfer out")
		}
		return darwinTransferError("transfer out", ret)
	}
}

// darwinTransferTimeout is the Go equivalent of transfertimeout.py's
// TransferTimeout: a one-shot timer that aborts a pipe if the blocking
// ReadPipe/WritePipe call it races against hasn't returned in time. The
// interface handle is kept open by the driver's own interfaces map for
// the pipe's claimed lifetime, so no extra retain/release is needed
// here the way the reference implementation does with AddRef/Release.
type darwinTransferTimeout struct {
	mu      sync.Mutex
	timer   *time.Timer
	fired   bool
	intf    **C.IOUSBInterfaceInterface190
	pipeRef C.UInt8
}

func newDarwinTransferTimeout(intf **C.IOUSBInterfaceInterface190, pipeRef C.UInt8, timeoutSeconds float64) *darwinTransferTimeout {
	t := &darwinTransferTimeout{intf: intf, pipeRef: pipeRef}
	t.timer = time.AfterFunc(time.Duration(timeoutSeconds*float64(time.Second)), t.abort)
	return t
}

func (t *darwinTransferTimeout) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fired = true
	C.usbhost_interface_abort_pipe(t.intf, t.pipeRef)
}

// abortedBeforeCancel cancels the timer and reports whether it had
// already fired and the racing transfer came back as the resulting
// abort (kIOReturnAborted) rather than some other failure or success.
func (t *darwinTransferTimeout) abortedBeforeCancel(ret C.IOReturn) bool {
	t.timer.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired && uint32(ret) == kIOReturnAborted
}

func timeoutMillis(timeoutSeconds float64) uint32 {
	if timeoutSeconds <= 0 {
		return 0 // IOKit treats 0 as "no timeout"
	}
	return uint32(timeoutSeconds * 1000)
}

const kIOUSBTransactionTimeout = 0xe0004051 // kIOUSBTransactionTimeout, approximate IOReturn value
const kIOUSBPipeStalled = 0xe000404f        // kIOUSBPipeStalled
const kIOReturnAborted = 0xe00002eb         // kIOReturnAborted, returned by a pipe operation AbortPipe interrupted

func darwinTransferError(op string, ret C.IOReturn) error {
	switch uint32(ret) {
	case 0:
		return nil
	case kIOUSBTransactionTimeout:
		return NewTransferTimeoutError(op)
	case kIOUSBPipeStalled:
		return NewStallError(op, fmt.Errorf("pipe stalled"))
	default:
		return ioReturnError(op, ret)
	}
}

func (d *darwinDriver) clearHalt(number int, direction TransferDirection) error {
	handle, ref, err := d.findPipe(number, direction)
	if err != nil {
		return NewUSBError("clearing halt", err)
	}
	if ret := C.usbhost_interface_clear_stall(handle.intf, C.UInt8(ref)); ret != 0 {
		return ioReturnError("clearing halt", ret)
	}
	return nil
}

func (d *darwinDriver) abortTransfers(number int, direction TransferDirection) {
	handle, ref, err := d.findPipe(number, direction)
	if err != nil {
		return
	}
	C.usbhost_interface_abort_pipe(handle.intf, C.UInt8(ref))
}

// kUSBReEnumerateCaptureDeviceMask and kUSBReEnumerateReleaseDeviceMask
// are the USBDeviceReEnumerate option bits IOKit uses to hand a device
// to this process exclusively, or back to its normal matching drivers.
const (
	kUSBReEnumerateCaptureDeviceMask = 1 << 30
	kUSBReEnumerateReleaseDeviceMask = 1 << 29
)

// detachStandardDrivers asks IOKit to re-enumerate the device with the
// capture bit set, tearing down whatever driver currently matches it
// so this process can claim its interfaces instead. Requires root;
// without it USBDeviceReEnumerate fails and the caller gets that error
// back rather than a silent no-op.
func (d *darwinDriver) detachStandardDrivers() error {
	if ret := C.usbhost_device_reenumerate(d.dev, C.UInt32(kUSBReEnumerateCaptureDeviceMask)); ret != 0 {
		return ioReturnError("detaching standard drivers", ret)
	}
	d.detachDrivers = true
	return nil
}

func (d *darwinDriver) attachStandardDrivers() error {
	if ret := C.usbhost_device_reenumerate(d.dev, C.UInt32(kUSBReEnumerateReleaseDeviceMask)); ret != 0 {
		return ioReturnError("attaching standard drivers", ret)
	}
	d.detachDrivers = false
	return nil
}
