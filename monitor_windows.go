//go:build windows

package usb

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsMonitor discovers USB devices through SetupAPI's device
// interface enumeration and watches for hot-plug events by running a
// hidden message-only window that receives WM_DEVICECHANGE, grounded in
// the teacher's setupapi_windows.go enumeration and generalized with
// the notification plumbing the reference implementation's
// _windows/winusbdevice.py register_notification relies on.
type windowsMonitor struct{}

func init() { newMonitor = func() monitor { return &windowsMonitor{} } }

func (m *windowsMonitor) run(r *Registry) {
	devices, err := enumerateWindowsDevices()
	if err != nil {
		r.notifyEnumerationFailed(err)
		return
	}
	r.notifyEnumerationComplete(devices)

	hwnd, err := createDeviceNotificationWindow()
	if err != nil {
		Logger.Printf("usbhost: hot-plug notifications unavailable: %v", err)
		<-r.done
		return
	}
	defer destroyDeviceNotificationWindow(hwnd)

	go func() {
		<-r.done
		postQuitMessage(hwnd)
	}()

	runDeviceNotificationLoop(hwnd, r)
}

func enumerateWindowsDevices() ([]*Device, error) {
	devInfoSet, err := setupDiGetClassDevs(&guidDevInterfaceUSBDevice, nil, 0, digcfPresent|digcfDeviceInterface)
	if err != nil {
		return nil, NewUSBError("enumerating USB devices", err)
	}
	defer setupDiDestroyDeviceInfoList(devInfoSet)

	var devices []*Device
	for i := uint32(0); ; i++ {
		var ifaceData spDeviceInterfaceData
		ifaceData.Size = uint32(unsafe.Sizeof(ifaceData))
		if err := setupDiEnumDeviceInterfaces(devInfoSet, nil, &guidDevInterfaceUSBDevice, i, &ifaceData); err != nil {
			break
		}

		var devInfoData spDevinfoData
		devInfoData.Size = uint32(unsafe.Sizeof(devInfoData))
		path, err := interfaceDevicePath(devInfoSet, &ifaceData, &devInfoData)
		if err != nil {
			continue
		}
		instanceID, err := instanceIDOf(devInfoSet, &devInfoData)
		if err != nil {
			continue
		}

		device, err := loadWindowsDevice(devInfoSet, &devInfoData, path, instanceID)
		if err != nil {
			Logger.Printf("usbhost: ignoring device %s: %v", path, err)
			continue
		}
		devices = append(devices, device)
	}
	return devices, nil
}

func loadWindowsDevice(devInfoSet windows.Handle, devInfoData *spDevinfoData, path, instanceID string) (*Device, error) {
	hardwareID := hardwareIDOf(devInfoSet, devInfoData)
	vendorID, productID := parseVIDPID(hardwareID)

	driver := newWindowsDriver(path, instanceID)
	h, err := openWinUSB(path)
	if err != nil {
		return nil, fmt.Errorf("opening for descriptors: %w", err)
	}
	defer closeWinUSB(h)

	deviceDescriptor, err := winusbDescriptor(h, usbDescriptorTypeDevice, 0, 18)
	if err != nil {
		return nil, fmt.Errorf("reading device descriptor: %w", err)
	}
	configDescriptor, err := readWindowsConfigDescriptor(h)
	if err != nil {
		return nil, fmt.Errorf("reading configuration descriptor: %w", err)
	}

	device := newDevice(path, driver)
	if err := device.setDescriptors(deviceDescriptor, configDescriptor); err != nil {
		return nil, err
	}
	driver.setConfiguration(device.Configuration)
	device.VendorID = vendorID
	device.ProductID = productID
	return device, nil
}

func winusbDescriptor(h *winusbHandle, descType byte, index byte, minLength int) ([]byte, error) {
	buf := make([]byte, minLength)
	var transferred uint32
	r0, _, e1 := syscall.SyscallN(procWinUsb_GetDescriptor.Addr(),
		h.winusbHandle, uintptr(descType), uintptr(index), uintptr(0x0409),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(unsafe.Pointer(&transferred)))
	if r0 == 0 {
		return nil, e1
	}
	return buf[:transferred], nil
}

func readWindowsConfigDescriptor(h *winusbHandle) ([]byte, error) {
	header, err := winusbDescriptor(h, usbDescriptorTypeConfig, 0, 9)
	if err != nil {
		return nil, err
	}
	totalLength := int(binary.LittleEndian.Uint16(header[2:4]))
	return winusbDescriptor(h, usbDescriptorTypeConfig, 0, totalLength)
}

func hardwareIDOf(devInfoSet windows.Handle, devInfoData *spDevinfoData) string {
	buf := make([]byte, 512)
	n, err := setupDiGetDeviceRegistryProperty(devInfoSet, devInfoData, spdrpHardwareID, buf)
	if err != nil || n < 2 {
		return ""
	}
	u16 := make([]uint16, n/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return windows.UTF16ToString(u16)
}

// parseVIDPID extracts VID_xxxx&PID_xxxx from a USB hardware ID like
// "USB\VID_1234&PID_5678&REV_0100".
func parseVIDPID(hardwareID string) (vendorID, productID uint16) {
	var v, p uint32
	fmt.Sscanf(hardwareID, "USB\\VID_%04X&PID_%04X", &v, &p)
	return uint16(v), uint16(p)
}
