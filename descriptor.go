package usb

import "encoding/binary"

const (
	descTypeDevice        = 0x01
	descTypeConfiguration = 0x02
	descTypeString        = 0x03
	descTypeInterface     = 0x04
	descTypeEndpoint      = 0x05
	descTypeIAD           = 0x0b
)

// DeviceDescriptor is the fixed 18-byte USB device descriptor.
type DeviceDescriptor struct {
	USBVersion      Version
	ClassCode       int
	SubclassCode    int
	ProtocolCode    int
	MaxPacketSize0  int
	VendorID        uint16
	ProductID       uint16
	DeviceVersion   Version
	Manufacturer    int // index of manufacturer string descriptor
	Product         int // index of product string descriptor
	SerialNumber    int // index of serial number string descriptor
	NumConfigurations int
}

// ParseDeviceDescriptor parses the 18-byte USB device descriptor.
func ParseDeviceDescriptor(desc []byte) (DeviceDescriptor, error) {
	if len(desc) < 18 {
		return DeviceDescriptor{}, NewUSBError("parsing device descriptor", errShortDeviceDescriptor)
	}
	if desc[0] != 18 || desc[1] != descTypeDevice {
		return DeviceDescriptor{}, NewUSBError("parsing device descriptor", errInvalidDeviceDescriptor)
	}
	return DeviceDescriptor{
		USBVersion:        NewVersion(binary.LittleEndian.Uint16(desc[2:4])),
		ClassCode:         int(desc[4]),
		SubclassCode:      int(desc[5]),
		ProtocolCode:      int(desc[6]),
		MaxPacketSize0:    int(desc[7]),
		VendorID:          binary.LittleEndian.Uint16(desc[8:10]),
		ProductID:         binary.LittleEndian.Uint16(desc[10:12]),
		DeviceVersion:     NewVersion(binary.LittleEndian.Uint16(desc[12:14])),
		Manufacturer:      int(desc[14]),
		Product:           int(desc[15]),
		SerialNumber:      int(desc[16]),
		NumConfigurations: int(desc[17]),
	}, nil
}

var (
	errShortDeviceDescriptor   = usbErrString("device descriptor too short")
	errInvalidDeviceDescriptor = usbErrString("invalid device descriptor")
	errShortConfigDescriptor   = usbErrString("configuration descriptor too short")
	errInvalidConfigDescriptor = usbErrString("invalid configuration descriptor")
	errTruncatedConfigDescriptor = usbErrString("configuration descriptor truncated")
)

type usbErrString string

func (e usbErrString) Error() string { return string(e) }

// configParser walks a raw configuration descriptor byte-by-byte,
// building up the entity graph. It mirrors the TLV walk of the
// reference USB configuration parser: interfaces and their first
// alternate setting create a new Interface, plus a single-interface
// CompositeFunction unless an earlier association descriptor already
// covers that interface number; subsequent alternate settings for the same interface number are
// appended to the existing Interface; endpoint descriptors attach to
// whichever alternate setting was most recently parsed; interface
// association descriptors append an explicit CompositeFunction.
type configParser struct {
	buf []byte
	cfg *Configuration
}

// ParseConfiguration parses a complete USB configuration descriptor
// (the 9-byte configuration header followed by its interface,
// endpoint and association descriptors) into a Configuration.
func ParseConfiguration(desc []byte) (*Configuration, error) {
	cfg, err := parseConfigHeader(desc)
	if err != nil {
		return nil, err
	}
	p := &configParser{buf: desc, cfg: cfg}
	if err := p.parseBody(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfigHeader(buf []byte) (*Configuration, error) {
	if len(buf) < 9 {
		return nil, NewUSBError("parsing configuration descriptor", errShortConfigDescriptor)
	}
	if buf[0] != 9 || buf[1] != descTypeConfiguration {
		return nil, NewUSBError("parsing configuration descriptor", errInvalidConfigDescriptor)
	}
	totalLength := binary.LittleEndian.Uint16(buf[2:4])
	if int(totalLength) != len(buf) {
		return nil, NewUSBError("parsing configuration descriptor", errInvalidConfigDescriptor)
	}
	return &Configuration{
		ConfigurationValue: int(buf[5]),
		Attributes:         int(buf[7]),
		MaxPower:           int(buf[8]),
	}, nil
}

func (p *configParser) parseBody() error {
	var lastAlternate *AlternateInterface
	offset := int(p.buf[0])

	for offset < len(p.buf) {
		descLength := int(p.buf[offset])
		descType := p.buf[offset+1]

		if offset+descLength > len(p.buf) {
			return NewUSBError("parsing configuration descriptor", errTruncatedConfigDescriptor)
		}

		switch descType {
		case descTypeInterface:
			number, alt := parseInterfaceDescriptor(p.buf, offset)
			lastAlternate = p.addInterface(number, alt)
		case descTypeEndpoint:
			ep := parseEndpointDescriptor(p.buf, offset)
			if lastAlternate != nil {
				lastAlternate.Endpoints = append(lastAlternate.Endpoints, ep)
			}
		case descTypeIAD:
			p.cfg.Functions = append(p.cfg.Functions, parseIAD(p.buf, offset))
		}

		offset += descLength
	}
	return nil
}

// addInterface records a parsed interface descriptor, either as the
// first alternate setting of a new Interface or as an additional
// alternate setting of an existing one, and returns a pointer to the
// alternate setting just added so trailing endpoint descriptors can
// attach to it.
func (p *configParser) addInterface(number int, alt AlternateInterface) *AlternateInterface {
	if parent, exists := p.cfg.GetInterface(number); exists {
		parent.Alternates = append(parent.Alternates, alt)
		return &parent.Alternates[len(parent.Alternates)-1]
	}

	intf := &Interface{Number: number, Alternates: []AlternateInterface{alt}}
	p.cfg.Interfaces = append(p.cfg.Interfaces, intf)

	if _, ok := p.cfg.GetFunction(number); !ok {
		p.cfg.Functions = append(p.cfg.Functions, CompositeFunction{
			FirstInterfaceNumber: number,
			InterfaceCount:       1,
			ClassCode:            alt.ClassCode,
			SubclassCode:         alt.SubclassCode,
			ProtocolCode:         alt.ProtocolCode,
		})
	}
	return &intf.Alternates[0]
}

//	struct usb_interface_descriptor {
//		uint8_t bLength;
//		uint8_t bDescriptorType;
//		uint8_t bInterfaceNumber;
//		uint8_t bAlternateSetting;
//		uint8_t bNumEndpoints;
//		uint8_t bInterfaceClass;
//		uint8_t bInterfaceSubClass;
//		uint8_t bInterfaceProtocol;
//		uint8_t iInterface;
//	}
func parseInterfaceDescriptor(buf []byte, offset int) (number int, alt AlternateInterface) {
	number = int(buf[offset+2])
	alt = AlternateInterface{
		Number:       int(buf[offset+3]),
		ClassCode:    int(buf[offset+5]),
		SubclassCode: int(buf[offset+6]),
		ProtocolCode: int(buf[offset+7]),
	}
	return number, alt
}

//	struct usb_endpoint_descriptor {
//		uint8_t  bLength;
//		uint8_t  bDescriptorType;
//		uint8_t  bEndpointAddress;
//		uint8_t  bmAttributes;
//		uint16_t wMaxPacketSize;
//		uint8_t  bInterval;
//	}
func parseEndpointDescriptor(buf []byte, offset int) Endpoint {
	return newEndpoint(buf[offset+2], buf[offset+3], binary.LittleEndian.Uint16(buf[offset+4:offset+6]))
}

//	struct usb_interface_assoc_descriptor {
//		uint8_t bLength;
//		uint8_t bDescriptorType;
//		uint8_t bFirstInterface;
//		uint8_t bInterfaceCount;
//		uint8_t bFunctionClass;
//		uint8_t bFunctionSubClass;
//		uint8_t bFunctionProtocol;
//		uint8_t iFunction;
//	}
func parseIAD(buf []byte, offset int) CompositeFunction {
	return CompositeFunction{
		FirstInterfaceNumber: int(buf[offset+2]),
		InterfaceCount:       int(buf[offset+3]),
		ClassCode:            int(buf[offset+4]),
		SubclassCode:         int(buf[offset+5]),
		ProtocolCode:         int(buf[offset+6]),
	}
}
