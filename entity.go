package usb

// Endpoint describes a USB endpoint as found in a configuration descriptor.
type Endpoint struct {
	// Number is the endpoint number without the direction bit (0-127).
	// Endpoint 0 is the control endpoint.
	Number int
	// Direction is the transfer direction.
	Direction TransferDirection
	// TransferType is the endpoint's transfer type.
	TransferType TransferType
	// MaxPacketSize is the maximum packet size, in bytes.
	MaxPacketSize int
}

// EndpointNumber extracts the endpoint number from an endpoint address
// (bEndpointAddress).
func EndpointNumber(address byte) int { return int(address & 0x7f) }

// EndpointDirection extracts the transfer direction from an endpoint
// address (bEndpointAddress).
func EndpointDirection(address byte) TransferDirection { return directionFromAddress(address) }

// EndpointAddress builds an endpoint address from a number and direction.
func EndpointAddress(number int, direction TransferDirection) byte {
	addr := byte(number)
	if direction == DirectionIn {
		addr |= 0x80
	}
	return addr
}

func newEndpoint(address, attributes byte, maxPacketSize uint16) Endpoint {
	return Endpoint{
		Number:        EndpointNumber(address),
		Direction:     EndpointDirection(address),
		TransferType:  transferTypeFromAttributes(attributes),
		MaxPacketSize: int(maxPacketSize),
	}
}

// AlternateInterface is one alternate setting of a USB interface. An
// interface can have several alternate settings, each enabling and
// disabling a different set of endpoints.
type AlternateInterface struct {
	// Number is bAlternateSetting.
	Number int
	// ClassCode is bInterfaceClass.
	ClassCode int
	// SubclassCode is bInterfaceSubClass.
	SubclassCode int
	// ProtocolCode is bInterfaceProtocol.
	ProtocolCode int
	// Endpoints excludes the control endpoint.
	Endpoints []Endpoint
}

// Interface is a USB interface with one or more alternate settings.
type Interface struct {
	// Number is bInterfaceNumber.
	Number int
	// Alternates holds every alternate setting of this interface.
	Alternates []AlternateInterface

	currentAlternate int // index into Alternates
	claimed          bool
}

// GetAlternate returns the alternate setting with the given number, or
// false if none exists.
func (i *Interface) GetAlternate(number int) (AlternateInterface, bool) {
	for _, a := range i.Alternates {
		if a.Number == number {
			return a, true
		}
	}
	return AlternateInterface{}, false
}

// CurrentAlternate returns the alternate interface currently active on
// the device. This reflects device state, not descriptor content.
func (i *Interface) CurrentAlternate() AlternateInterface {
	return i.Alternates[i.currentAlternate]
}

// IsClaimed reports whether the interface has been claimed for
// exclusive use. This reflects device state, not descriptor content.
func (i *Interface) IsClaimed() bool { return i.claimed }

func (i *Interface) setClaimed(claimed bool) { i.claimed = claimed }

func (i *Interface) setCurrentAlternate(number int) bool {
	for idx, a := range i.Alternates {
		if a.Number == number {
			i.currentAlternate = idx
			return true
		}
	}
	return false
}

// CompositeFunction groups one or more consecutive interfaces that
// together implement a single function of a composite USB device, as
// declared by an Interface Association Descriptor (or synthesized for
// a lone interface that has none).
type CompositeFunction struct {
	// FirstInterfaceNumber is bFirstInterface.
	FirstInterfaceNumber int
	// InterfaceCount is bInterfaceCount.
	InterfaceCount int
	// ClassCode is bFunctionClass.
	ClassCode int
	// SubclassCode is bFunctionSubClass.
	SubclassCode int
	// ProtocolCode is bFunctionProtocol.
	ProtocolCode int
}

// Configuration is the root of the entity graph parsed from a USB
// configuration descriptor.
type Configuration struct {
	// ConfigurationValue is bConfigurationValue.
	ConfigurationValue int
	// Attributes is bmAttributes.
	Attributes int
	// MaxPower is bMaxPower, in 2mA units.
	MaxPower int
	// Interfaces holds every USB interface in this configuration.
	Interfaces []*Interface
	// Functions holds every composite function in this configuration.
	Functions []CompositeFunction
}

// GetInterface returns the interface with the given number, or false
// if none exists.
func (c *Configuration) GetInterface(number int) (*Interface, bool) {
	for _, intf := range c.Interfaces {
		if intf.Number == number {
			return intf, true
		}
	}
	return nil, false
}

// GetFunction returns the composite function that interface number
// belongs to, or false if none exists.
func (c *Configuration) GetFunction(number int) (CompositeFunction, bool) {
	for _, fn := range c.Functions {
		if number >= fn.FirstInterfaceNumber && number < fn.FirstInterfaceNumber+fn.InterfaceCount {
			return fn, true
		}
	}
	return CompositeFunction{}, false
}
