//go:build linux

package usb

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxDriver implements driver on top of usbfs, grounded in the
// reference LinuxDevice implementation: ioctl-based control transfers,
// epoll/URB-reaped bulk and interrupt transfers via the package-level
// asyncDispatcher, and a disconnect-claim dance when standard drivers
// have been detached.
type linuxDriver struct {
	path          string
	fd            int
	detachDrivers bool
}

func newLinuxDriver(path string) *linuxDriver {
	return &linuxDriver{path: path}
}

func convertLinuxError(err error, op string) error {
	switch err {
	case unix.ETIMEDOUT:
		return NewTransferTimeoutError(op)
	case unix.EPIPE:
		return NewStallError(op, err)
	default:
		return NewUSBError(op, err)
	}
}

func (d *linuxDriver) open() error {
	fd, err := unix.Open(d.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return convertLinuxError(err, "opening device "+d.path)
	}
	d.fd = fd
	if err := dispatcher.addDevice(fd); err != nil {
		unix.Close(fd)
		d.fd = 0
		return err
	}
	return nil
}

func (d *linuxDriver) close() {
	if d.fd == 0 {
		return
	}
	dispatcher.removeDevice(d.fd)
	if err := unix.Close(d.fd); err != nil {
		Logger.Printf("usbhost: failed to close device %s: %v", d.path, err)
	}
	d.fd = 0
}

func (d *linuxDriver) claimInterface(number int) error {
	if d.detachDrivers {
		var dc usbfsDisconnectClaim
		dc.Interface = uint32(number)
		dc.Flags = usbfsDisconnectClaimExceptDriver
		copy(dc.Driver[:], "usbfs")
		if err := rawIoctl(d.fd, usbdevfsDisconnectClaim, unsafe.Pointer(&dc)); err != nil {
			return convertLinuxError(err, "disconnecting driver and claiming interface")
		}
		return nil
	}
	n := uint32(number)
	if err := rawIoctl(d.fd, usbdevfsClaimInterface, unsafe.Pointer(&n)); err != nil {
		return convertLinuxError(err, "claiming interface")
	}
	return nil
}

func (d *linuxDriver) releaseInterface(number int) error {
	n := uint32(number)
	if err := rawIoctl(d.fd, usbdevfsReleaseInterface, unsafe.Pointer(&n)); err != nil {
		return convertLinuxError(err, "releasing interface")
	}
	if d.detachDrivers {
		cmd := usbfsIoctl{IfNo: uint32(number), IoctlCode: uint32(usbdevfsConnect)}
		if err := rawIoctl(d.fd, usbdevfsIoctl, unsafe.Pointer(&cmd)); err != nil {
			return convertLinuxError(err, "reconnecting standard driver to interface")
		}
	}
	return nil
}

func (d *linuxDriver) selectAlternate(interfaceNumber, alternateNumber int) error {
	si := usbfsSetInterface{Interface: uint32(interfaceNumber), AltSetting: uint32(alternateNumber)}
	if err := rawIoctl(d.fd, usbdevfsSetInterface, unsafe.Pointer(&si)); err != nil {
		return convertLinuxError(err, "setting alternate interface")
	}
	return nil
}

func (d *linuxDriver) controlTransferIn(t ControlTransfer, length int) ([]byte, error) {
	buffer := make([]byte, length)
	ct := usbfsCtrlTransfer{
		RequestType: t.bmRequestType(DirectionIn),
		Request:     t.Request,
		Value:       t.Value,
		Index:       t.Index,
		Length:      uint16(length),
	}
	if length > 0 {
		ct.Data = unsafe.Pointer(&buffer[0])
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsControl, uintptr(unsafe.Pointer(&ct)))
	if errno != 0 {
		return nil, convertLinuxError(errno, "control transfer IN")
	}
	return buffer[:n], nil
}

func (d *linuxDriver) controlTransferOut(t ControlTransfer, data []byte) error {
	ct := usbfsCtrlTransfer{
		RequestType: t.bmRequestType(DirectionOut),
		Request:     t.Request,
		Value:       t.Value,
		Index:       t.Index,
	}
	if data != nil {
		ct.Length = uint16(len(data))
		if len(data) > 0 {
			ct.Data = unsafe.Pointer(&data[0])
		}
	}
	if err := rawIoctl(d.fd, usbdevfsControl, unsafe.Pointer(&ct)); err != nil {
		return convertLinuxError(err, "control transfer OUT")
	}
	return nil
}

func (d *linuxDriver) transferIn(endpointNumber, maxPacketSize int, transferType TransferType, timeoutSeconds float64) ([]byte, error) {
	address := EndpointAddress(endpointNumber, DirectionIn)
	buffer := make([]byte, maxPacketSize)
	transfer, err := dispatcher.submitTransfer(d.fd, address, transferType, buffer)
	if err != nil {
		return nil, err
	}
	if err := d.waitForTransfer(transfer, timeoutSeconds, address); err != nil {
		return nil, err
	}
	return buffer[:transfer.resultSize], nil
}

func (d *linuxDriver) transferOut(endpointNumber int, data []byte, transferType TransferType, timeoutSeconds float64) error {
	address := EndpointAddress(endpointNumber, DirectionOut)
	transfer, err := dispatcher.submitTransfer(d.fd, address, transferType, data)
	if err != nil {
		return err
	}
	return d.waitForTransfer(transfer, timeoutSeconds, address)
}

// waitForTransfer blocks until transfer completes or, if timeoutSeconds
// is positive, aborts the transfer once the timeout elapses and then
// waits unboundedly for the abort to be acknowledged, matching the
// reference implementation's timeout-then-abort-then-wait pattern.
func (d *linuxDriver) waitForTransfer(transfer *asyncTransfer, timeoutSeconds float64, address byte) error {
	if timeoutSeconds <= 0 {
		<-transfer.done
	} else {
		timer := time.NewTimer(time.Duration(timeoutSeconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-transfer.done:
		case <-timer.C:
			dispatcher.abortTransfers(d.fd, address)
			<-transfer.done
			return NewTransferTimeoutError("transfer")
		}
	}

	if transfer.resultCode != 0 {
		if transfer.resultCode == int(unix.EPIPE) {
			return NewStallError("transfer", unix.EPIPE)
		}
		return NewUSBError("transfer", unix.Errno(transfer.resultCode))
	}
	return nil
}

func (d *linuxDriver) clearHalt(number int, direction TransferDirection) error {
	address := uint32(EndpointAddress(number, direction))
	if err := rawIoctl(d.fd, usbdevfsClearHalt, unsafe.Pointer(&address)); err != nil {
		return convertLinuxError(err, "clearing halt")
	}
	return nil
}

func (d *linuxDriver) abortTransfers(number int, direction TransferDirection) {
	address := EndpointAddress(number, direction)
	dispatcher.abortTransfers(d.fd, address)
}

func (d *linuxDriver) detachStandardDrivers() error {
	d.detachDrivers = true
	return nil
}

func (d *linuxDriver) attachStandardDrivers() error {
	d.detachDrivers = false
	return nil
}
