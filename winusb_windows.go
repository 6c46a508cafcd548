//go:build windows

package usb

import (
	"golang.org/x/sys/windows"
)

// WinUSB and SetupAPI bindings, grounded in the teacher's
// device_windows.go/setupapi_windows.go proc tables and generalized to
// the composite-device child-interface walk the registry needs.
var (
	modwinusb   = windows.NewLazySystemDLL("winusb.dll")
	modsetupapi = windows.NewLazySystemDLL("setupapi.dll")

	procWinUsb_Initialize                 = modwinusb.NewProc("WinUsb_Initialize")
	procWinUsb_Free                       = modwinusb.NewProc("WinUsb_Free")
	procWinUsb_GetAssociatedInterface     = modwinusb.NewProc("WinUsb_GetAssociatedInterface")
	procWinUsb_QueryInterfaceSettings     = modwinusb.NewProc("WinUsb_QueryInterfaceSettings")
	procWinUsb_GetDescriptor              = modwinusb.NewProc("WinUsb_GetDescriptor")
	procWinUsb_SetCurrentAlternateSetting = modwinusb.NewProc("WinUsb_SetCurrentAlternateSetting")
	procWinUsb_QueryPipe                  = modwinusb.NewProc("WinUsb_QueryPipe")
	procWinUsb_SetPipePolicy              = modwinusb.NewProc("WinUsb_SetPipePolicy")
	procWinUsb_ReadPipe                   = modwinusb.NewProc("WinUsb_ReadPipe")
	procWinUsb_WritePipe                  = modwinusb.NewProc("WinUsb_WritePipe")
	procWinUsb_ControlTransfer            = modwinusb.NewProc("WinUsb_ControlTransfer")
	procWinUsb_ResetPipe                  = modwinusb.NewProc("WinUsb_ResetPipe")
	procWinUsb_AbortPipe                  = modwinusb.NewProc("WinUsb_AbortPipe")

	procSetupDiGetClassDevsW              = modsetupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces       = modsetupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW  = modsetupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDeviceInfoList      = modsetupapi.NewProc("SetupDiDestroyDeviceInfoList")
	procSetupDiGetDeviceRegistryPropertyW = modsetupapi.NewProc("SetupDiGetDeviceRegistryPropertyW")
	procSetupDiEnumDeviceInfo             = modsetupapi.NewProc("SetupDiEnumDeviceInfo")
	procSetupDiGetDeviceInstanceIdW       = modsetupapi.NewProc("SetupDiGetDeviceInstanceIdW")
)

// guidDevInterfaceUSBDevice is GUID_DEVINTERFACE_USB_DEVICE, the
// device-interface class every plugged-in USB device exposes
// regardless of which function driver binds its children.
var guidDevInterfaceUSBDevice = windows.GUID{
	Data1: 0xA5DCBF10, Data2: 0x6530, Data3: 0x11D2,
	Data4: [8]byte{0x90, 0x1F, 0x00, 0xC0, 0x4F, 0xB9, 0x51, 0xED},
}

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010

	spdrpHardwareID = 0x00000001

	pipeTransferTimeout = 0x03

	winusbPipeDirectionIn = 0x80

	usbDescriptorTypeDevice = 0x01
	usbDescriptorTypeConfig = 0x02
)

// spDevinfoData is SP_DEVINFO_DATA.
type spDevinfoData struct {
	Size      uint32
	ClassGUID windows.GUID
	DevInst   uint32
	Reserved  uintptr
}

// spDeviceInterfaceData is SP_DEVICE_INTERFACE_DATA.
type spDeviceInterfaceData struct {
	Size      uint32
	ClassGUID windows.GUID
	Flags     uint32
	Reserved  uintptr
}

// spDeviceInterfaceDetailData is SP_DEVICE_INTERFACE_DETAIL_DATA; the
// DevicePath field is variable-length and this struct is always
// accessed through a larger backing buffer.
type spDeviceInterfaceDetailData struct {
	Size       uint32
	DevicePath [1]uint16
}

// winusbPipeInformation is WINUSB_PIPE_INFORMATION.
type winusbPipeInformation struct {
	PipeType          uint32
	PipeID            byte
	MaximumPacketSize uint16
	Interval          byte
}

// winusbSetupPacket is WINUSB_SETUP_PACKET.
type winusbSetupPacket struct {
	RequestType byte
	Request     byte
	Value       uint16
	Index       uint16
	Length      uint16
}

// usbInterfaceDescriptor mirrors USB_INTERFACE_DESCRIPTOR, the struct
// WinUsb_QueryInterfaceSettings fills in for the interface a WinUSB
// handle is currently bound to.
type usbInterfaceDescriptor struct {
	Length            byte
	DescriptorType    byte
	InterfaceNumber   byte
	AlternateSetting  byte
	NumEndpoints      byte
	InterfaceClass    byte
	InterfaceSubClass byte
	InterfaceProtocol byte
	Interface         byte
}
