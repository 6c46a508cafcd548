package usb

// ControlTransfer describes a USB control transfer request sent to
// endpoint 0.
type ControlTransfer struct {
	// RequestType is bits 5 and 6 of bmRequestType.
	RequestType RequestType
	// Recipient is bits 0 to 4 of bmRequestType.
	Recipient Recipient
	// Request is bRequest (0-255).
	Request uint8
	// Value is wValue (0-65535).
	Value uint16
	// Index is wIndex (0-65535). For interface or endpoint recipients,
	// the low byte must hold the interface number or endpoint address.
	Index uint16
}

// bmRequestType builds the bmRequestType byte for dir, combining the
// data-transfer direction bit with the request type and recipient.
func (c ControlTransfer) bmRequestType(dir TransferDirection) byte {
	var d byte
	if dir == DirectionIn {
		d = 0x80
	}
	return d | byte(c.RequestType)<<5 | byte(c.Recipient)
}
