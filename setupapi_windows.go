//go:build windows

package usb

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Thin wrappers around the setupapi.dll procs declared in
// winusb_windows.go, grounded in the teacher's setupapi_windows.go.

func setupDiGetClassDevs(classGUID *windows.GUID, enumerator *uint16, hwndParent uintptr, flags uint32) (windows.Handle, error) {
	r0, _, e1 := syscall.SyscallN(
		procSetupDiGetClassDevsW.Addr(),
		uintptr(unsafe.Pointer(classGUID)),
		uintptr(unsafe.Pointer(enumerator)),
		hwndParent,
		uintptr(flags),
	)
	handle := windows.Handle(r0)
	if handle == windows.InvalidHandle {
		return handle, e1
	}
	return handle, nil
}

func setupDiEnumDeviceInterfaces(devInfoSet windows.Handle, devInfoData *spDevinfoData, interfaceClassGUID *windows.GUID, memberIndex uint32, deviceInterfaceData *spDeviceInterfaceData) error {
	r0, _, e1 := syscall.SyscallN(
		procSetupDiEnumDeviceInterfaces.Addr(),
		uintptr(devInfoSet),
		uintptr(unsafe.Pointer(devInfoData)),
		uintptr(unsafe.Pointer(interfaceClassGUID)),
		uintptr(memberIndex),
		uintptr(unsafe.Pointer(deviceInterfaceData)),
	)
	if r0 == 0 {
		return e1
	}
	return nil
}

func setupDiGetDeviceInterfaceDetail(devInfoSet windows.Handle, deviceInterfaceData *spDeviceInterfaceData, detailData *spDeviceInterfaceDetailData, detailDataSize uint32, requiredSize *uint32, deviceInfoData *spDevinfoData) error {
	r0, _, e1 := syscall.SyscallN(
		procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfoSet),
		uintptr(unsafe.Pointer(deviceInterfaceData)),
		uintptr(unsafe.Pointer(detailData)),
		uintptr(detailDataSize),
		uintptr(unsafe.Pointer(requiredSize)),
		uintptr(unsafe.Pointer(deviceInfoData)),
	)
	if r0 == 0 {
		return e1
	}
	return nil
}

func setupDiDestroyDeviceInfoList(devInfoSet windows.Handle) error {
	r0, _, e1 := syscall.SyscallN(procSetupDiDestroyDeviceInfoList.Addr(), uintptr(devInfoSet))
	if r0 == 0 {
		return e1
	}
	return nil
}

func setupDiEnumDeviceInfo(devInfoSet windows.Handle, memberIndex uint32, devInfoData *spDevinfoData) error {
	r0, _, e1 := syscall.SyscallN(
		procSetupDiEnumDeviceInfo.Addr(),
		uintptr(devInfoSet),
		uintptr(memberIndex),
		uintptr(unsafe.Pointer(devInfoData)),
	)
	if r0 == 0 {
		return e1
	}
	return nil
}

func setupDiGetDeviceRegistryProperty(devInfoSet windows.Handle, devInfoData *spDevinfoData, property uint32, buf []byte) (uint32, error) {
	var dataType, requiredSize uint32
	r0, _, e1 := syscall.SyscallN(
		procSetupDiGetDeviceRegistryPropertyW.Addr(),
		uintptr(devInfoSet),
		uintptr(unsafe.Pointer(devInfoData)),
		uintptr(property),
		uintptr(unsafe.Pointer(&dataType)),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&requiredSize)),
	)
	if r0 == 0 {
		return 0, e1
	}
	return requiredSize, nil
}
