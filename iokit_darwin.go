//go:build darwin

package usb

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include "iokit_shim_darwin.h"
*/
import "C"

// buildDeviceDescriptorBytes assembles a synthetic 18-byte USB device
// descriptor from the individual fields IOKit exposes through
// IOUSBDeviceInterface187 accessors, since IOKit has no call that
// returns the raw descriptor wire bytes the way Linux usbfs and
// WinUSB's GetDescriptor do. String descriptor indices are left zero;
// loadDarwinDevice fills Manufacturer/Product/SerialNumber
// from the IORegistry properties instead.
func buildDeviceDescriptorBytes(devClass, devSubClass, devProtocol, maxPacketSize0 uint8,
	vendor, product, releaseNum uint16, numConfigs uint8) []byte {
	desc := make([]byte, 18)
	desc[0] = 18
	desc[1] = descTypeDevice
	desc[4] = devClass
	desc[5] = devSubClass
	desc[6] = devProtocol
	desc[7] = maxPacketSize0
	desc[8] = byte(vendor)
	desc[9] = byte(vendor >> 8)
	desc[10] = byte(product)
	desc[11] = byte(product >> 8)
	desc[12] = byte(releaseNum)
	desc[13] = byte(releaseNum >> 8)
	desc[17] = numConfigs
	return desc
}
