//go:build windows

package usb

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Hidden message-only window plumbing for WM_DEVICECHANGE, the
// standard way a non-GUI Windows process learns about USB hot-plug
// without polling, grounded in the reference implementation's
// win32gui-based notification window (_windows/winusbdevice.py).
var (
	moduser32 = windows.NewLazySystemDLL("user32.dll")

	procRegisterClassExW            = moduser32.NewProc("RegisterClassExW")
	procCreateWindowExW             = moduser32.NewProc("CreateWindowExW")
	procDefWindowProcW              = moduser32.NewProc("DefWindowProcW")
	procDestroyWindow               = moduser32.NewProc("DestroyWindow")
	procGetMessageW                 = moduser32.NewProc("GetMessageW")
	procTranslateMessage            = moduser32.NewProc("TranslateMessage")
	procDispatchMessageW            = moduser32.NewProc("DispatchMessageW")
	procPostMessageW                = moduser32.NewProc("PostMessageW")
	procRegisterDeviceNotificationW = moduser32.NewProc("RegisterDeviceNotificationW")
)

const (
	wmDeviceChange = 0x0219
	wmDestroy      = 0x0002
	wmQuit         = 0x0012

	dbtDevTypeDeviceInterface = 0x00000005
	dbtDeviceArrival          = 0x8000
	dbtDeviceRemoveComplete   = 0x8004

	// hwndMessage is HWND_MESSAGE, the parent handle that creates a
	// message-only window: never visible, never enumerated by
	// EnumWindows, exactly what a background hot-plug listener wants.
	hwndMessage = ^uintptr(2)
)

type wndClassExW struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       windows.Handle
	Cursor     windows.Handle
	Background windows.Handle
	MenuName   *uint16
	ClassName  *uint16
	IconSm     windows.Handle
}

type msg struct {
	Hwnd    windows.Handle
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

type devBroadcastDeviceInterface struct {
	Size       uint32
	DeviceType uint32
	Reserved   uint32
	ClassGUID  windows.GUID
	Name       [1]uint16
}

type devBroadcastHdr struct {
	Size       uint32
	DeviceType uint32
	Reserved   uint32
}

var notifyRegistryMu sync.Mutex
var notifyRegistry = map[windows.Handle]*Registry{}

func deviceNotifyWndProc(hwnd windows.Handle, message uint32, wParam, lParam uintptr) uintptr {
	switch message {
	case wmDeviceChange:
		handleDeviceChange(hwnd, wParam, lParam)
		return 1
	case wmDestroy:
		r0, _, _ := syscall.SyscallN(procDefWindowProcW.Addr(), uintptr(hwnd), uintptr(message), wParam, lParam)
		return r0
	default:
		r0, _, _ := syscall.SyscallN(procDefWindowProcW.Addr(), uintptr(hwnd), uintptr(message), wParam, lParam)
		return r0
	}
}

func handleDeviceChange(hwnd windows.Handle, wParam, lParam uintptr) {
	notifyRegistryMu.Lock()
	r := notifyRegistry[hwnd]
	notifyRegistryMu.Unlock()
	if r == nil || lParam == 0 {
		return
	}
	hdr := (*devBroadcastHdr)(unsafe.Pointer(lParam))
	if hdr.DeviceType != dbtDevTypeDeviceInterface {
		return
	}
	iface := (*devBroadcastDeviceInterface)(unsafe.Pointer(lParam))
	path := windows.UTF16PtrToString(&iface.Name[0])

	switch wParam {
	case dbtDeviceArrival:
		devices, err := enumerateWindowsDevices()
		if err != nil {
			return
		}
		for _, d := range devices {
			if d.Identifier == path {
				r.addDevice(d)
				return
			}
		}
	case dbtDeviceRemoveComplete:
		r.closeAndRemoveDevice(path)
	}
}

func createDeviceNotificationWindow() (windows.Handle, error) {
	className, err := windows.UTF16PtrFromString("usbhostDeviceNotifyWindow")
	if err != nil {
		return 0, err
	}

	var class wndClassExW
	class.Size = uint32(unsafe.Sizeof(class))
	class.WndProc = syscall.NewCallback(func(hwnd windows.Handle, message uint32, wParam, lParam uintptr) uintptr {
		return deviceNotifyWndProc(hwnd, message, wParam, lParam)
	})
	class.ClassName = className

	syscall.SyscallN(procRegisterClassExW.Addr(), uintptr(unsafe.Pointer(&class))) // ignore ERROR_CLASS_ALREADY_EXISTS on re-entry

	hwnd, _, e1 := syscall.SyscallN(procCreateWindowExW.Addr(),
		0, uintptr(unsafe.Pointer(className)), uintptr(unsafe.Pointer(className)),
		0, 0, 0, 0, 0,
		hwndMessage, 0, 0, 0)
	if hwnd == 0 {
		return 0, fmt.Errorf("CreateWindowExW: %w", e1)
	}
	handle := windows.Handle(hwnd)

	var notifyFilter devBroadcastDeviceInterface
	notifyFilter.Size = uint32(unsafe.Sizeof(notifyFilter))
	notifyFilter.DeviceType = dbtDevTypeDeviceInterface
	notifyFilter.ClassGUID = guidDevInterfaceUSBDevice

	syscall.SyscallN(procRegisterDeviceNotificationW.Addr(),
		hwnd, uintptr(unsafe.Pointer(&notifyFilter)), 0)

	notifyRegistryMu.Lock()
	notifyRegistry[handle] = nil
	notifyRegistryMu.Unlock()

	return handle, nil
}

func destroyDeviceNotificationWindow(hwnd windows.Handle) {
	notifyRegistryMu.Lock()
	delete(notifyRegistry, hwnd)
	notifyRegistryMu.Unlock()
	syscall.SyscallN(procDestroyWindow.Addr(), uintptr(hwnd))
}

func postQuitMessage(hwnd windows.Handle) {
	syscall.SyscallN(procPostMessageW.Addr(), uintptr(hwnd), wmQuit, 0, 0)
}

func runDeviceNotificationLoop(hwnd windows.Handle, r *Registry) {
	notifyRegistryMu.Lock()
	notifyRegistry[hwnd] = r
	notifyRegistryMu.Unlock()

	var m msg
	for {
		ret, _, _ := syscall.SyscallN(procGetMessageW.Addr(), uintptr(unsafe.Pointer(&m)), uintptr(hwnd), 0, 0)
		if int32(ret) <= 0 {
			return
		}
		syscall.SyscallN(procTranslateMessage.Addr(), uintptr(unsafe.Pointer(&m)))
		syscall.SyscallN(procDispatchMessageW.Addr(), uintptr(unsafe.Pointer(&m)))
	}
}
