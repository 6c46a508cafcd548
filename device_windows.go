//go:build windows

package usb

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var modcfgmgr32 = windows.NewLazySystemDLL("cfgmgr32.dll")

var (
	procCM_Get_Child       = modcfgmgr32.NewProc("CM_Get_Child")
	procCM_Get_Sibling     = modcfgmgr32.NewProc("CM_Get_Sibling")
	procCM_Get_Device_IDW  = modcfgmgr32.NewProc("CM_Get_Device_IDW")
	procCM_Locate_DevNodeW = modcfgmgr32.NewProc("CM_Locate_DevNodeW")
)

// miInterfaceNumber extracts the interface number from a composite
// device's hardware ID, e.g. "USB\VID_1234&PID_5678&MI_02" -> 2. Windows
// assigns each function of a composite device its own child device node
// named this way rather than exposing every interface on one node.
var miInterfaceNumberPattern = regexp.MustCompile(`(?i)MI_([0-9A-F]{2})`)

func miInterfaceNumber(hardwareID string) (int, bool) {
	m := miInterfaceNumberPattern.FindStringSubmatch(hardwareID)
	if m == nil {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(m[1], "%02X", &n); err != nil {
		return 0, false
	}
	return n, true
}

// winusbHandle wraps a WINUSB_INTERFACE_HANDLE. fileHandle is the
// backing device-node file handle for a handle opened directly via
// CreateFile+WinUsb_Initialize; it is the zero value for a handle
// obtained through WinUsb_GetAssociatedInterface, which shares its
// parent's file handle rather than owning one, so closeWinUSB leaves
// the underlying file alone for those.
type winusbHandle struct {
	fileHandle   windows.Handle
	winusbHandle uintptr
	pipes        map[int]winusbPipeInformation // endpoint number -> pipe info
}

// windowsDriver implements driver on top of WinUSB. Windows groups a
// composite device's interfaces into functions, one device node per
// function (named by its MI_XX hardware-ID suffix); claiming the
// function's first interface opens that node directly, and claiming
// any other interface of the same function reaches it from the first
// interface's handle via WinUsb_GetAssociatedInterface, since only the
// function's first interface has a device node of its own.
type windowsDriver struct {
	mu sync.Mutex

	rootDevicePath string
	rootInstanceID string
	config         *Configuration

	handles      map[int]*winusbHandle // interface number -> handle usable for its transfers
	baseOf       map[int]int           // associated interface number -> its function's first interface number
	baseRefCount map[int]int           // first-interface number -> live references to its underlying node
	baseClaimed  map[int]bool          // first-interface number -> whether its own (non-associated) claim is still outstanding

	detachDrivers bool
}

func newWindowsDriver(devicePath, instanceID string) *windowsDriver {
	return &windowsDriver{
		rootDevicePath: devicePath,
		rootInstanceID: instanceID,
		handles:        make(map[int]*winusbHandle),
		baseOf:         make(map[int]int),
		baseRefCount:   make(map[int]int),
		baseClaimed:    make(map[int]bool),
	}
}

// setConfiguration records the parsed configuration descriptor so
// claimInterface can look up which function an interface belongs to.
// Called once after descriptors are read, before any claim.
func (d *windowsDriver) setConfiguration(cfg *Configuration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
}

func winusbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewUSBError(op, err)
}

// queryInterfaceSettings reads back the USB_INTERFACE_DESCRIPTOR WinUSB
// bound the handle to, letting callers confirm they opened the node
// they meant to rather than trusting the SetupAPI instance-ID walk
// alone.
func queryInterfaceSettings(h *winusbHandle) (usbInterfaceDescriptor, error) {
	var desc usbInterfaceDescriptor
	r0, _, e1 := syscall.SyscallN(procWinUsb_QueryInterfaceSettings.Addr(),
		h.winusbHandle, uintptr(0), uintptr(unsafe.Pointer(&desc)))
	if r0 == 0 {
		return usbInterfaceDescriptor{}, e1
	}
	return desc, nil
}

func openWinUSB(devicePath string) (*winusbHandle, error) {
	pathPtr, err := windows.UTF16PtrFromString(devicePath)
	if err != nil {
		return nil, fmt.Errorf("invalid device path: %w", err)
	}
	fileHandle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("opening device node: %w", err)
	}

	var handle uintptr
	r0, _, e1 := syscall.SyscallN(procWinUsb_Initialize.Addr(), uintptr(fileHandle), uintptr(unsafe.Pointer(&handle)))
	if r0 == 0 {
		windows.CloseHandle(fileHandle)
		return nil, fmt.Errorf("WinUsb_Initialize: %w", e1)
	}

	h := &winusbHandle{fileHandle: fileHandle, winusbHandle: handle, pipes: make(map[int]winusbPipeInformation)}
	indexWinUSBPipes(h)
	return h, nil
}

func indexWinUSBPipes(h *winusbHandle) {
	for i := byte(0); ; i++ {
		var info winusbPipeInformation
		r0, _, _ := syscall.SyscallN(procWinUsb_QueryPipe.Addr(), h.winusbHandle, uintptr(0), uintptr(i), uintptr(unsafe.Pointer(&info)))
		if r0 == 0 {
			return
		}
		endpointNumber := int(info.PipeID &^ winusbPipeDirectionIn)
		h.pipes[endpointNumber] = info
	}
}

// winUsbGetAssociatedInterface reaches an interface grouped with base
// under the same Interface Association Descriptor, addressing it by
// its position after base's own interface number.
func winUsbGetAssociatedInterface(base *winusbHandle, index uint8) (*winusbHandle, error) {
	var handle uintptr
	r0, _, e1 := syscall.SyscallN(procWinUsb_GetAssociatedInterface.Addr(),
		base.winusbHandle, uintptr(index), uintptr(unsafe.Pointer(&handle)))
	if r0 == 0 {
		return nil, e1
	}
	h := &winusbHandle{winusbHandle: handle, pipes: make(map[int]winusbPipeInformation)}
	indexWinUSBPipes(h)
	return h, nil
}

func closeWinUSB(h *winusbHandle) {
	if h.winusbHandle != 0 {
		syscall.SyscallN(procWinUsb_Free.Addr(), h.winusbHandle)
	}
	if h.fileHandle != 0 && h.fileHandle != windows.InvalidHandle {
		windows.CloseHandle(h.fileHandle)
	}
}

func (d *windowsDriver) open() error {
	h, err := openWinUSB(d.rootDevicePath)
	if err != nil {
		return winusbErr("opening device", err)
	}
	d.handles[0] = h
	return nil
}

func (d *windowsDriver) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for number, h := range d.handles {
		closeWinUSB(h)
		delete(d.handles, number)
	}
}

// findChildDevicePath walks the device tree below rootInstanceID
// looking for a MI_XX child node whose interface number matches, then
// resolves its SetupAPI device interface path.
func (d *windowsDriver) findChildDevicePath(interfaceNumber int) (string, error) {
	rootInstance, err := windows.UTF16PtrFromString(d.rootInstanceID)
	if err != nil {
		return "", err
	}
	var rootDevInst uint32
	if r0, _, _ := syscall.SyscallN(procCM_Locate_DevNodeW.Addr(), uintptr(unsafe.Pointer(&rootDevInst)), uintptr(unsafe.Pointer(rootInstance)), 0); r0 != 0 {
		return "", fmt.Errorf("CM_Locate_DevNode: 0x%x", r0)
	}

	var child uint32
	if r0, _, _ := syscall.SyscallN(procCM_Get_Child.Addr(), uintptr(unsafe.Pointer(&child)), uintptr(rootDevInst), 0); r0 != 0 {
		return "", fmt.Errorf("composite device has no children")
	}

	for {
		id, err := devInstID(child)
		if err == nil {
			if n, ok := miInterfaceNumber(id); ok && n == interfaceNumber {
				return devicePathForInstance(id)
			}
		}
		var sibling uint32
		r0, _, _ := syscall.SyscallN(procCM_Get_Sibling.Addr(), uintptr(unsafe.Pointer(&sibling)), uintptr(child), 0)
		if r0 != 0 {
			break
		}
		child = sibling
	}
	return "", fmt.Errorf("no child node for interface %d", interfaceNumber)
}

func devInstID(devInst uint32) (string, error) {
	buf := make([]uint16, 512)
	r0, _, _ := syscall.SyscallN(procCM_Get_Device_IDW.Addr(), uintptr(devInst), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
	if r0 != 0 {
		return "", fmt.Errorf("CM_Get_Device_ID: 0x%x", r0)
	}
	return windows.UTF16ToString(buf), nil
}

// devicePathForInstance finds the device interface path SetupAPI
// associates with a device instance ID, by enumerating every USB
// device interface and matching on instance ID.
func devicePathForInstance(instanceID string) (string, error) {
	devInfoSet, err := setupDiGetClassDevs(&guidDevInterfaceUSBDevice, nil, 0, digcfPresent|digcfDeviceInterface)
	if err != nil {
		return "", err
	}
	defer setupDiDestroyDeviceInfoList(devInfoSet)

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
		id, err := instanceIDOf(devInfoSet, &devInfoData)
		if err == nil && strings.EqualFold(id, instanceID) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no device interface for instance %s", instanceID)
}

func instanceIDOf(devInfoSet windows.Handle, devInfoData *spDevinfoData) (string, error) {
	buf := make([]uint16, 512)
	r0, _, e1 := syscall.SyscallN(procSetupDiGetDeviceInstanceIdW.Addr(),
		uintptr(devInfoSet), uintptr(unsafe.Pointer(devInfoData)),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
	if r0 == 0 {
		return "", e1
	}
	return windows.UTF16ToString(buf), nil
}

func interfaceDevicePath(devInfoSet windows.Handle, ifaceData *spDeviceInterfaceData, devInfoData *spDevinfoData) (string, error) {
	var requiredSize uint32
	setupDiGetDeviceInterfaceDetail(devInfoSet, ifaceData, nil, 0, &requiredSize, nil)
	if requiredSize == 0 {
		return "", fmt.Errorf("empty interface detail")
	}
	buf := make([]byte, requiredSize)
	detail := (*spDeviceInterfaceDetailData)(unsafe.Pointer(&buf[0]))
	if unsafe.Sizeof(uintptr(0)) == 8 {
		detail.Size = 8
	} else {
		detail.Size = 6
	}
	if err := setupDiGetDeviceInterfaceDetail(devInfoSet, ifaceData, detail, requiredSize, nil, devInfoData); err != nil {
		return "", err
	}
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(&detail.DevicePath[0]))), nil
}

// functionBase returns the first interface number of the composite
// function that number belongs to, or number itself if no function
// grouping was parsed (treating it as its own one-interface function).
func (d *windowsDriver) functionBase(number int) int {
	if d.config != nil {
		if fn, ok := d.config.GetFunction(number); ok {
			return fn.FirstInterfaceNumber
		}
	}
	return number
}

func (d *windowsDriver) claimInterface(number int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimLocked(number)
}

func (d *windowsDriver) claimLocked(number int) error {
	if _, ok := d.handles[number]; ok {
		return nil
	}
	if number == 0 {
		return fmt.Errorf("interface 0 not open")
	}

	base := d.functionBase(number)
	if base == number {
		path, err := d.findChildDevicePath(number)
		if err != nil {
			return NewUSBError("claiming interface", err)
		}
		h, err := openWinUSB(path)
		if err != nil {
			return NewUSBError("claiming interface", err)
		}
		if desc, err := queryInterfaceSettings(h); err == nil && int(desc.InterfaceNumber) != number {
			closeWinUSB(h)
			return NewUSBError("claiming interface", fmt.Errorf(
				"resolved device node for MI_%02X reports interface number %d", number, desc.InterfaceNumber))
		}
		d.handles[number] = h
		d.baseRefCount[number]++
		d.baseClaimed[number] = true
		return nil
	}

	// number shares its function's device node with base; claim base
	// first (opening its node if this is the first interface claimed
	// from the function) and reach number through it.
	if err := d.claimLocked(base); err != nil {
		return err
	}
	assoc, err := winUsbGetAssociatedInterface(d.handles[base], uint8(number-base-1))
	if err != nil {
		return NewUSBError("claiming interface", err)
	}
	d.handles[number] = assoc
	d.baseOf[number] = base
	d.baseRefCount[base]++
	return nil
}

// releaseInterface releases a claimed interface. An interface grouped
// under the same function as another already-claimed interface shares
// its underlying WinUSB node; the node's file handle is only actually
// closed once every interface referencing it — the function's own
// first-interface claim and every associated interface claimed from
// it — has been released.
func (d *windowsDriver) releaseInterface(number int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if number == 0 {
		return nil
	}
	if _, ok := d.handles[number]; !ok {
		return nil
	}

	base, isAssociated := d.baseOf[number]
	if !isAssociated {
		base = number
		if !d.baseClaimed[base] {
			return nil // already released this interface's own share
		}
		d.baseClaimed[base] = false
	} else {
		closeWinUSB(d.handles[number]) // fileHandle is 0: frees only the associated handle
		delete(d.handles, number)
		delete(d.baseOf, number)
	}

	d.baseRefCount[base]--
	if d.baseRefCount[base] <= 0 {
		if h, ok := d.handles[base]; ok {
			closeWinUSB(h)
			delete(d.handles, base)
		}
		delete(d.baseRefCount, base)
	}
	return nil
}

func (d *windowsDriver) handleFor(number int) (*winusbHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[number]
	if !ok {
		return nil, fmt.Errorf("interface %d not claimed", number)
	}
	return h, nil
}

func (d *windowsDriver) selectAlternate(interfaceNumber, alternateNumber int) error {
	h, err := d.handleFor(interfaceNumber)
	if err != nil {
		return NewUSBError("selecting alternate interface", err)
	}
	r0, _, e1 := syscall.SyscallN(procWinUsb_SetCurrentAlternateSetting.Addr(), h.winusbHandle, uintptr(alternateNumber))
	if r0 == 0 {
		return winusbErr("selecting alternate interface", e1)
	}
	indexWinUSBPipes(h)
	return nil
}

func (d *windowsDriver) controlTransferIn(t ControlTransfer, length int) ([]byte, error) {
	h, err := d.handleFor(0)
	if err != nil {
		return nil, NewUSBError("control transfer in", err)
	}
	buffer := make([]byte, length)
	n, err := controlTransfer(h, t.bmRequestType(DirectionIn), t.Request, t.Value, t.Index, buffer)
	if err != nil {
		return nil, winusbErr("control transfer in", err)
	}
	return buffer[:n], nil
}

func (d *windowsDriver) controlTransferOut(t ControlTransfer, data []byte) error {
	h, err := d.handleFor(0)
	if err != nil {
		return NewUSBError("control transfer out", err)
	}
	_, err = controlTransfer(h, t.bmRequestType(DirectionOut), t.Request, t.Value, t.Index, data)
	return winusbErr("control transfer out", err)
}

func controlTransfer(h *winusbHandle, requestType, request byte, value, index uint16, data []byte) (int, error) {
	setup := winusbSetupPacket{RequestType: requestType, Request: request, Value: value, Index: index, Length: uint16(len(data))}
	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}
	var transferred uint32
	r0, _, e1 := syscall.SyscallN(procWinUsb_ControlTransfer.Addr(),
		h.winusbHandle, uintptr(unsafe.Pointer(&setup)), uintptr(dataPtr), uintptr(len(data)),
		uintptr(unsafe.Pointer(&transferred)), 0)
	if r0 == 0 {
		return 0, e1
	}
	return int(transferred), nil
}

func (d *windowsDriver) findHandleForEndpoint(endpointNumber int) (*winusbHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.handles {
		if _, ok := h.pipes[endpointNumber]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no claimed interface serves endpoint %d", endpointNumber)
}

func (d *windowsDriver) setPipeTimeout(h *winusbHandle, pipeID byte, timeoutSeconds float64) {
	var ms uint32 // 0 means no timeout
	if timeoutSeconds > 0 {
		ms = uint32(timeoutSeconds * 1000)
	}
	syscall.SyscallN(procWinUsb_SetPipePolicy.Addr(), h.winusbHandle, uintptr(pipeID),
		uintptr(pipeTransferTimeout), uintptr(4), uintptr(unsafe.Pointer(&ms)))
}

// transferType is unused on Windows: WinUSB's PIPE_TRANSFER_TIMEOUT
// policy applies uniformly to bulk and interrupt pipes, unlike IOKit.
func (d *windowsDriver) transferIn(endpointNumber, maxPacketSize int, transferType TransferType, timeoutSeconds float64) ([]byte, error) {
	h, err := d.findHandleForEndpoint(endpointNumber)
	if err != nil {
		return nil, NewUSBError("transfer in", err)
	}
	pipeID := byte(endpointNumber) | winusbPipeDirectionIn
	d.setPipeTimeout(h, pipeID, timeoutSeconds)

	buffer := make([]byte, maxPacketSize)
	var transferred uint32
	r0, _, e1 := syscall.SyscallN(procWinUsb_ReadPipe.Addr(), h.winusbHandle, uintptr(pipeID),
		uintptr(unsafe.Pointer(&buffer[0])), uintptr(len(buffer)), uintptr(unsafe.Pointer(&transferred)), 0)
	if r0 == 0 {
		return nil, windowsTransferError("transfer in", e1)
	}
	return buffer[:transferred], nil
}

func (d *windowsDriver) transferOut(endpointNumber int, data []byte, transferType TransferType, timeoutSeconds float64) error {
	h, err := d.findHandleForEndpoint(endpointNumber)
	if err != nil {
		return NewUSBError("transfer out", err)
	}
	pipeID := byte(endpointNumber)
	d.setPipeTimeout(h, pipeID, timeoutSeconds)

	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}
	var transferred uint32
	r0, _, e1 := syscall.SyscallN(procWinUsb_WritePipe.Addr(), h.winusbHandle, uintptr(pipeID),
		uintptr(dataPtr), uintptr(len(data)), uintptr(unsafe.Pointer(&transferred)), 0)
	if r0 == 0 {
		return windowsTransferError("transfer out", e1)
	}
	return nil
}

func windowsTransferError(op string, err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		switch errno {
		case windows.ERROR_SEM_TIMEOUT, windows.WAIT_TIMEOUT:
			return NewTransferTimeoutError(op)
		case 31: // ERROR_GEN_FAILURE, WinUSB's surface for a stalled endpoint
			return NewStallError(op, err)
		}
	}
	return NewUSBError(op, err)
}

func (d *windowsDriver) clearHalt(number int, direction TransferDirection) error {
	h, err := d.findHandleForEndpoint(number)
	if err != nil {
		return NewUSBError("clearing halt", err)
	}
	pipeID := byte(number)
	if direction == DirectionIn {
		pipeID |= winusbPipeDirectionIn
	}
	r0, _, e1 := syscall.SyscallN(procWinUsb_ResetPipe.Addr(), h.winusbHandle, uintptr(pipeID))
	if r0 == 0 {
		return winusbErr("clearing halt", e1)
	}
	return nil
}

func (d *windowsDriver) abortTransfers(number int, direction TransferDirection) {
	h, err := d.findHandleForEndpoint(number)
	if err != nil {
		return
	}
	pipeID := byte(number)
	if direction == DirectionIn {
		pipeID |= winusbPipeDirectionIn
	}
	syscall.SyscallN(procWinUsb_AbortPipe.Addr(), h.winusbHandle, uintptr(pipeID))
}

// detachStandardDrivers is a no-op: WinUSB replaces the in-box class
// driver at install time via the device's INF, not at runtime.
func (d *windowsDriver) detachStandardDrivers() error {
	d.detachDrivers = true
	return nil
}

func (d *windowsDriver) attachStandardDrivers() error {
	d.detachDrivers = false
	return nil
}
