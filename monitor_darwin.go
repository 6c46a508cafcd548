//go:build darwin

package usb

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include <stdint.h>
#include <stdlib.h>
#include "iokit_shim_darwin.h"

extern void usbhostDeviceArrived(void *refcon, io_iterator_t iterator);
extern void usbhostDeviceRemoved(void *refcon, io_iterator_t iterator);

// usbhost_setup_notifications creates a notification port on the
// current run loop and registers for first-match (arrival) and
// termination (removal) notifications of USB devices. Mirrors
// monitor_devices in the reference implementation's macosregistry.py:
// the notification port must be set up, and each iterator drained once,
// before the caller starts enumerating/running the loop, or a
// connect/disconnect racing the initial enumeration could be missed.
static IONotificationPortRef usbhost_setup_notifications(void *refcon,
		io_iterator_t *arrived_iter, io_iterator_t *removed_iter) {
	IONotificationPortRef port = IONotificationPortCreate(kIOMasterPortDefault);
	if (port == NULL) {
		return NULL;
	}
	CFRunLoopAddSource(CFRunLoopGetCurrent(), IONotificationPortGetRunLoopSource(port), kCFRunLoopDefaultMode);

	kern_return_t kr = IOServiceAddMatchingNotification(port, kIOFirstMatchNotification,
		usbhost_matching_dict(), usbhostDeviceArrived, refcon, arrived_iter);
	if (kr != KERN_SUCCESS) {
		IONotificationPortDestroy(port);
		return NULL;
	}
	kr = IOServiceAddMatchingNotification(port, kIOTerminatedNotification,
		usbhost_matching_dict(), usbhostDeviceRemoved, refcon, removed_iter);
	if (kr != KERN_SUCCESS) {
		IONotificationPortDestroy(port);
		return NULL;
	}
	return port;
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"runtime/cgo"
	"unsafe"
)

// darwinMonitor discovers the initial device list and watches for
// hot-plug notifications through IOKit, grounded in spec §4.6/§4.8 and
// the reference implementation's macosregistry.py, generalized to
// actually read configuration descriptors via
// GetConfigurationDescriptorPtr rather than the teacher's stubbed
// fields.
type darwinMonitor struct{}

func init() { newMonitor = func() monitor { return &darwinMonitor{} } }

// run registers IOKit matching notifications before doing anything
// else, drains the arrival iterator for the initial device list (which
// also arms the notification for devices connected afterward), drains
// the (empty) termination iterator to arm it the same way, then runs
// the current thread's CFRunLoop until r.done closes. CFRunLoop state
// is per-thread, so the goroutine is pinned to its OS thread for the
// duration.
func (m *darwinMonitor) run(r *Registry) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle := cgo.NewHandle(r)
	defer handle.Delete()

	var arrivedIter, removedIter C.io_iterator_t
	port := C.usbhost_setup_notifications(unsafe.Pointer(uintptr(handle)), &arrivedIter, &removedIter)
	if port == nil {
		r.notifyEnumerationFailed(NewUSBError("starting device monitor",
			fmt.Errorf("IOServiceAddMatchingNotification failed")))
		return
	}
	defer C.IONotificationPortDestroy(port)
	defer C.IOObjectRelease(arrivedIter)
	defer C.IOObjectRelease(removedIter)

	devices := drainArrivedDevices(arrivedIter)
	drainTerminatedIdentifiers(removedIter) // arms the notification; nothing has terminated yet
	r.notifyEnumerationComplete(devices)

	runLoop := C.CFRunLoopGetCurrent()
	go func() {
		<-r.done
		C.CFRunLoopStop(runLoop)
	}()

	C.CFRunLoopRun()
}

//export usbhostDeviceArrived
func usbhostDeviceArrived(refcon unsafe.Pointer, iterator C.io_iterator_t) {
	r, ok := cgo.Handle(uintptr(refcon)).Value().(*Registry)
	if !ok {
		return
	}
	for _, d := range drainArrivedDevices(iterator) {
		r.addDevice(d)
	}
}

//export usbhostDeviceRemoved
func usbhostDeviceRemoved(refcon unsafe.Pointer, iterator C.io_iterator_t) {
	r, ok := cgo.Handle(uintptr(refcon)).Value().(*Registry)
	if !ok {
		return
	}
	for _, id := range drainTerminatedIdentifiers(iterator) {
		r.closeAndRemoveDevice(id)
	}
}

// drainArrivedDevices pulls every io_service_t out of iterator (IOKit
// requires draining an iterator fully to re-arm its notification) and
// loads each into a Device, logging and skipping ones that fail.
func drainArrivedDevices(iterator C.io_iterator_t) []*Device {
	var devices []*Device
	for {
		service := C.IOIteratorNext(iterator)
		if service == 0 {
			break
		}
		device, err := loadDarwinDevice(service)
		C.IOObjectRelease(C.io_object_t(service))
		if err != nil {
			Logger.Printf("usbhost: ignoring device: %v", err)
			continue
		}
		devices = append(devices, device)
	}
	return devices
}

// drainTerminatedIdentifiers pulls every io_service_t representing a
// just-removed device out of iterator and returns the identifiers the
// registry knows them by. The device interface is usually already torn
// down by the time termination fires, so only the stable registry entry
// ID is read, not the full descriptor set.
func drainTerminatedIdentifiers(iterator C.io_iterator_t) []string {
	var identifiers []string
	for {
		service := C.IOIteratorNext(iterator)
		if service == 0 {
			break
		}
		id, err := registryEntryID(service)
		C.IOObjectRelease(C.io_object_t(service))
		if err == nil {
			identifiers = append(identifiers, darwinIdentifier(id))
		}
	}
	return identifiers
}

// registryEntryID reads IORegistryEntryGetRegistryEntryID, a 64-bit
// identifier stable for the lifetime of a registry entry. Unlike an
// io_service_t (a Mach port name, freshly minted by every lookup, never
// the same value twice for the same device), this is what lets an
// arrival and a later termination notification be recognized as the
// same physical device.
func registryEntryID(service C.io_service_t) (uint64, error) {
	var id C.uint64_t
	if kr := C.IORegistryEntryGetRegistryEntryID(C.io_registry_entry_t(service), &id); kr != C.KERN_SUCCESS {
		return 0, fmt.Errorf("kern_return_t 0x%x", uint32(kr))
	}
	return uint64(id), nil
}

func darwinIdentifier(entryID uint64) string {
	return fmt.Sprintf("iokit:%d", entryID)
}

func loadDarwinDevice(service C.io_service_t) (*Device, error) {
	entryID, err := registryEntryID(service)
	if err != nil {
		return nil, NewUSBError("reading registry entry ID", err)
	}

	var plugin **C.IOCFPlugInInterface
	if ret := C.usbhost_create_device_plugin(service, &plugin); ret != 0 {
		return nil, ioReturnError("creating device plug-in", ret)
	}

	var dev **C.IOUSBDeviceInterface187
	hr := C.usbhost_query_device_interface(plugin, &dev)
	C.usbhost_plugin_release(plugin)
	if hr != 0 || dev == nil {
		return nil, NewUSBError("querying device interface", fmt.Errorf("HRESULT 0x%x", uint32(hr)))
	}
	defer C.usbhost_device_release(dev)

	var devClass, devSubClass, devProtocol, maxPacketSize0, numConfigs C.UInt8
	var vendor, product, releaseNum C.UInt16
	if ret := C.usbhost_device_descriptor_fields(dev, &devClass, &devSubClass, &devProtocol,
		&maxPacketSize0, &vendor, &product, &releaseNum, &numConfigs); ret != 0 {
		return nil, ioReturnError("reading device descriptor fields", ret)
	}

	var configDescPtr C.IOUSBConfigurationDescriptorPtr
	if ret := C.usbhost_device_config_descriptor(dev, 0, &configDescPtr); ret != 0 {
		return nil, ioReturnError("reading configuration descriptor", ret)
	}
	totalLength := *(*uint16)(unsafe.Pointer(uintptr(unsafe.Pointer(configDescPtr)) + 2))
	configBytes := C.GoBytes(unsafe.Pointer(configDescPtr), C.int(totalLength))

	deviceDescriptor := buildDeviceDescriptorBytes(uint8(devClass), uint8(devSubClass), uint8(devProtocol),
		uint8(maxPacketSize0), uint16(vendor), uint16(product), uint16(releaseNum), uint8(numConfigs))

	device := newDevice(darwinIdentifier(entryID), newDarwinDriver(service))
	if err := device.setDescriptors(deviceDescriptor, configBytes); err != nil {
		return nil, err
	}
	device.VendorID = uint16(vendor)
	device.ProductID = uint16(product)
	device.Manufacturer = registryStringProperty(service, "USB Vendor Name")
	device.Product = registryStringProperty(service, "USB Product Name")
	device.SerialNumber = registryStringProperty(service, "USB Serial Number")
	return device, nil
}

func registryStringProperty(service C.io_service_t, name string) string {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	cfName := C.CFStringCreateWithCString(C.kCFAllocatorDefault, cname, C.kCFStringEncodingUTF8)
	defer C.CFRelease(C.CFTypeRef(cfName))

	prop := C.IORegistryEntryCreateCFProperty(C.io_registry_entry_t(service), cfName, C.kCFAllocatorDefault, 0)
	if prop == 0 {
		return ""
	}
	defer C.CFRelease(prop)

	cfStr := C.CFStringRef(prop)
	length := C.CFStringGetLength(cfStr)
	if length == 0 {
		return ""
	}
	bufSize := C.CFStringGetMaximumSizeForEncoding(length, C.kCFStringEncodingUTF8) + 1
	buf := C.malloc(C.size_t(bufSize))
	defer C.free(buf)
	if C.CFStringGetCString(cfStr, (*C.char)(buf), C.CFIndex(bufSize), C.kCFStringEncodingUTF8) == 0 {
		return ""
	}
	return C.GoString((*C.char)(buf))
}
