package usb

import (
	"fmt"
	"sync"
)

// driver is the platform-specific contract every OS backend
// implements. Device forwards its exported methods to the active
// driver while holding deviceLock, enforcing the preconditions common
// to all platforms itself.
type driver interface {
	open() error
	close()
	claimInterface(number int) error
	releaseInterface(number int) error
	selectAlternate(interfaceNumber, alternateNumber int) error
	controlTransferIn(t ControlTransfer, length int) ([]byte, error)
	controlTransferOut(t ControlTransfer, data []byte) error
	transferIn(endpointNumber, maxPacketSize int, transferType TransferType, timeoutSeconds float64) ([]byte, error)
	transferOut(endpointNumber int, data []byte, transferType TransferType, timeoutSeconds float64) error
	clearHalt(number int, direction TransferDirection) error
	abortTransfers(number int, direction TransferDirection)
	detachStandardDrivers() error
	attachStandardDrivers() error
}

// Device represents a connected USB device. Information about a
// device (vendor/product IDs, descriptors, configuration) remains
// available even after the device has been unplugged; communication
// methods only work while the device is open and connected.
//
// Instances are created and owned by a Registry. The same Device
// instance is returned for the same physical device for as long as it
// stays connected.
type Device struct {
	// Identifier uniquely names this device for as long as it is
	// connected (on Linux, its usbfs device node path).
	Identifier string

	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string

	DeviceDescriptorRaw        []byte
	ConfigurationDescriptorRaw []byte

	ClassCode         int
	SubclassCode      int
	ProtocolCode      int
	DeviceVersion     Version
	USBVersion        Version
	MaxPacketSize0    int
	ConfigurationValue int

	Configuration *Configuration

	IsConnected bool
	IsOpen      bool

	deviceLock     sync.Mutex
	drv            driver
	detachDrivers  bool
}

func newDevice(identifier string, drv driver) *Device {
	return &Device{
		Identifier:    identifier,
		IsConnected:   true,
		Configuration: &Configuration{},
		drv:           drv,
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("usb device %s, vid=0x%04x, pid=0x%04x, manufacturer=%s, product=%s, serial=%s",
		d.Identifier, d.VendorID, d.ProductID, d.Manufacturer, d.Product, d.SerialNumber)
}

// setDescriptors decodes the raw device and configuration descriptors
// and populates the derived Device fields.
func (d *Device) setDescriptors(deviceDesc, configDesc []byte) error {
	dd, err := ParseDeviceDescriptor(deviceDesc)
	if err != nil {
		return err
	}
	cfg, err := ParseConfiguration(configDesc)
	if err != nil {
		return err
	}

	d.DeviceDescriptorRaw = deviceDesc
	d.ConfigurationDescriptorRaw = configDesc
	d.USBVersion = dd.USBVersion
	d.ClassCode = dd.ClassCode
	d.SubclassCode = dd.SubclassCode
	d.ProtocolCode = dd.ProtocolCode
	d.MaxPacketSize0 = dd.MaxPacketSize0
	d.DeviceVersion = dd.DeviceVersion
	d.Configuration = cfg
	d.ConfigurationValue = cfg.ConfigurationValue
	return nil
}

// Open opens the device for communication.
func (d *Device) Open() error {
	d.deviceLock.Lock()
	defer d.deviceLock.Unlock()
	if err := d.checkIsClosedAndConnected(); err != nil {
		return err
	}
	if err := d.drv.open(); err != nil {
		return err
	}
	d.IsOpen = true
	return nil
}

// Close closes the device. Closing an already-closed device is a no-op.
func (d *Device) Close() {
	d.deviceLock.Lock()
	defer d.deviceLock.Unlock()
	if !d.IsOpen {
		return
	}
	d.drv.close()
	d.IsOpen = false
	for _, intf := range d.Configuration.Interfaces {
		intf.setClaimed(false)
	}
}

// GetInterface returns the interface with the given number.
func (d *Device) GetInterface(number int) (*Interface, bool) {
	return d.Configuration.GetInterface(number)
}

// GetEndpoint returns the endpoint with the given number and
// direction from whichever interface currently has it active,
// regardless of claim state. Control endpoint 0 is excluded.
func (d *Device) GetEndpoint(number int, direction TransferDirection) (Endpoint, *Interface, bool) {
	for _, intf := range d.Configuration.Interfaces {
		for _, ep := range intf.CurrentAlternate().Endpoints {
			if ep.Number == number && ep.Direction == direction {
				return ep, intf, true
			}
		}
	}
	return Endpoint{}, nil, false
}

// ClaimInterface claims a USB interface for exclusive use. Except for
// control endpoint 0, an interface must be claimed before
// communicating with one of its endpoints.
func (d *Device) ClaimInterface(number int) error {
	d.deviceLock.Lock()
	defer d.deviceLock.Unlock()
	if err := d.checkIsOpen(); err != nil {
		return err
	}
	if _, err := d.getAndCheckInterface(number, false); err != nil {
		return err
	}
	if err := d.drv.claimInterface(number); err != nil {
		return err
	}
	intf, _ := d.GetInterface(number)
	intf.setClaimed(true)
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (d *Device) ReleaseInterface(number int) error {
	d.deviceLock.Lock()
	defer d.deviceLock.Unlock()
	if err := d.checkIsOpen(); err != nil {
		return err
	}
	if _, err := d.getAndCheckInterface(number, true); err != nil {
		return err
	}
	if err := d.drv.releaseInterface(number); err != nil {
		return err
	}
	intf, _ := d.GetInterface(number)
	intf.setClaimed(false)
	return nil
}

// SelectAlternate selects the alternate setting for interfaceNumber
// and makes it the active setting. The interface must already be claimed.
func (d *Device) SelectAlternate(interfaceNumber, alternateNumber int) error {
	d.deviceLock.Lock()
	defer d.deviceLock.Unlock()
	if err := d.checkAlternateInterface(interfaceNumber, alternateNumber); err != nil {
		return err
	}
	if err := d.drv.selectAlternate(interfaceNumber, alternateNumber); err != nil {
		return err
	}
	intf, _ := d.GetInterface(interfaceNumber)
	intf.setCurrentAlternate(alternateNumber)
	return nil
}

// ControlTransferIn requests up to length bytes from control endpoint 0.
func (d *Device) ControlTransferIn(t ControlTransfer, length int) ([]byte, error) {
	d.deviceLock.Lock()
	if err := d.checkControlTransfer(t, DirectionIn); err != nil {
		d.deviceLock.Unlock()
		return nil, err
	}
	d.deviceLock.Unlock()
	return d.drv.controlTransferIn(t, length)
}

// ControlTransferOut executes a control transfer and optionally sends data.
func (d *Device) ControlTransferOut(t ControlTransfer, data []byte) error {
	d.deviceLock.Lock()
	if err := d.checkControlTransfer(t, DirectionOut); err != nil {
		d.deviceLock.Unlock()
		return err
	}
	d.deviceLock.Unlock()
	return d.drv.controlTransferOut(t, data)
}

// TransferIn receives data from a bulk or interrupt IN endpoint.
// timeoutSeconds <= 0 means wait indefinitely.
func (d *Device) TransferIn(endpointNumber int, timeoutSeconds float64) ([]byte, error) {
	d.deviceLock.Lock()
	ep, _, err := d.getAndCheckEndpointAndInterface(endpointNumber, DirectionIn)
	d.deviceLock.Unlock()
	if err != nil {
		return nil, err
	}
	return d.drv.transferIn(endpointNumber, ep.MaxPacketSize, ep.TransferType, timeoutSeconds)
}

// TransferOut sends data to a bulk or interrupt OUT endpoint.
func (d *Device) TransferOut(endpointNumber int, data []byte, timeoutSeconds float64) error {
	d.deviceLock.Lock()
	ep, _, err := d.getAndCheckEndpointAndInterface(endpointNumber, DirectionOut)
	d.deviceLock.Unlock()
	if err != nil {
		return err
	}
	return d.drv.transferOut(endpointNumber, data, ep.TransferType, timeoutSeconds)
}

// ClearHalt clears an endpoint's halt/stall condition.
func (d *Device) ClearHalt(number int, direction TransferDirection) error {
	d.deviceLock.Lock()
	_, _, err := d.getAndCheckEndpointAndInterface(number, direction)
	d.deviceLock.Unlock()
	if err != nil {
		return err
	}
	return d.drv.clearHalt(number, direction)
}

// AbortTransfers aborts all pending transfers on an endpoint, mainly
// useful to unblock a thread waiting inside TransferIn/TransferOut.
// Always call this from a different goroutine than the one making the
// transfer. Not valid on control endpoint 0.
func (d *Device) AbortTransfers(number int, direction TransferDirection) {
	d.drv.abortTransfers(number, direction)
}

// DetachStandardDrivers detaches the operating system's standard
// drivers from this device so the application can claim its
// interfaces. Must be called before Open. See platform-specific notes
// on driver.detachStandardDrivers implementations for exact semantics.
func (d *Device) DetachStandardDrivers() error {
	d.deviceLock.Lock()
	defer d.deviceLock.Unlock()
	if err := d.checkIsClosedAndConnected(); err != nil {
		return err
	}
	d.detachDrivers = true
	return d.drv.detachStandardDrivers()
}

// AttachStandardDrivers restores the standard operating system
// drivers detached by DetachStandardDrivers.
func (d *Device) AttachStandardDrivers() error {
	d.deviceLock.Lock()
	defer d.deviceLock.Unlock()
	if err := d.checkIsClosedAndConnected(); err != nil {
		return err
	}
	d.detachDrivers = false
	return d.drv.attachStandardDrivers()
}

func (d *Device) checkIsOpen() error {
	if !d.IsOpen {
		return NewUSBError("device operation", errDeviceNotOpen)
	}
	return nil
}

func (d *Device) checkIsClosedAndConnected() error {
	if d.IsOpen {
		return NewUSBError("device operation", errDeviceMustBeClosed)
	}
	if !d.IsConnected {
		return NewUSBError("device operation", errDeviceNotConnected)
	}
	return nil
}

func (d *Device) getAndCheckInterface(number int, expectClaimed bool) (*Interface, error) {
	intf, ok := d.GetInterface(number)
	if !ok {
		return nil, NewUSBError("device operation", fmt.Errorf("interface %d does not exist", number))
	}
	if expectClaimed && !intf.IsClaimed() {
		return nil, NewUSBError("device operation", fmt.Errorf("interface %d must be claimed first", number))
	}
	if !expectClaimed && intf.IsClaimed() {
		return nil, NewUSBError("device operation", fmt.Errorf("interface %d has already been claimed", number))
	}
	return intf, nil
}

func (d *Device) checkAlternateInterface(interfaceNumber, alternateNumber int) error {
	if err := d.checkIsOpen(); err != nil {
		return err
	}
	intf, err := d.getAndCheckInterface(interfaceNumber, true)
	if err != nil {
		return err
	}
	if _, ok := intf.GetAlternate(alternateNumber); !ok {
		return NewUSBError("device operation",
			fmt.Errorf("interface %d has no alternate setting %d", interfaceNumber, alternateNumber))
	}
	return nil
}

func (d *Device) checkControlTransfer(t ControlTransfer, direction TransferDirection) error {
	if err := d.checkIsOpen(); err != nil {
		return err
	}
	switch t.Recipient {
	case RecipientInterface:
		if _, err := d.getAndCheckInterface(int(t.Index&0xff), true); err != nil {
			return err
		}
	case RecipientEndpoint:
		address := byte(t.Index & 0xff)
		_, intf, ok := d.GetEndpoint(EndpointNumber(address), EndpointDirection(address))
		if !ok {
			return NewUSBError("device operation",
				fmt.Errorf("endpoint 0x%02x (low byte of index) does not exist", address))
		}
		if _, err := d.getAndCheckInterface(intf.Number, true); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) getAndCheckEndpointAndInterface(number int, direction TransferDirection) (Endpoint, *Interface, error) {
	if number == 0 {
		return Endpoint{}, nil, NewUSBError("device operation", errControlEndpointOnly)
	}
	ep, intf, ok := d.GetEndpoint(number, direction)
	if !ok {
		return Endpoint{}, nil, NewUSBError("device operation",
			fmt.Errorf("device has no %s endpoint %d", direction, number))
	}
	if ep.TransferType != TransferTypeBulk && ep.TransferType != TransferTypeInterrupt {
		return Endpoint{}, nil, NewUSBError("device operation",
			fmt.Errorf("transfer requires bulk or interrupt endpoint (%s endpoint %d has type %s)",
				direction, number, ep.TransferType))
	}
	if !intf.IsClaimed() {
		return Endpoint{}, nil, NewUSBError("device operation",
			fmt.Errorf("interface %d must be claimed for transfer", intf.Number))
	}
	return ep, intf, nil
}

var (
	errDeviceNotOpen       = usbErrString("device must be opened first")
	errDeviceMustBeClosed  = usbErrString("device cannot be open for this operation")
	errDeviceNotConnected  = usbErrString("device is no longer connected")
	errControlEndpointOnly = usbErrString("control endpoint 0 supports control transfers only")
)
