//go:build linux

package usb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// linuxMonitor discovers the initial set of connected USB devices by
// walking /sys/bus/usb/devices (as the teacher's sysfs.go does) and
// then watches for hot-plug events on a raw NETLINK_KOBJECT_UEVENT
// socket. This replaces the reference implementation's libudev/cgo
// dependency with a pure golang.org/x/sys/unix socket, since udev
// itself is just a thin, well-documented wrapper around this same
// kernel uevent stream.
type linuxMonitor struct{}

func init() { newMonitor = func() monitor { return &linuxMonitor{} } }

func (m *linuxMonitor) run(r *Registry) {
	sock, err := setupUeventSocket()
	if err != nil {
		r.notifyEnumerationFailed(err)
		return
	}

	go func() {
		<-r.done
		unix.Close(sock)
	}()

	devices, err := enumerateSysfsDevices()
	if err != nil {
		unix.Close(sock)
		r.notifyEnumerationFailed(err)
		return
	}
	r.notifyEnumerationComplete(devices)

	m.pollForNotifications(r, sock)
}

func setupUeventSocket() (int, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return -1, NewUSBError("opening uevent socket", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(sock, addr); err != nil {
		unix.Close(sock)
		return -1, NewUSBError("binding uevent socket", err)
	}
	return sock, nil
}

func (m *linuxMonitor) pollForNotifications(r *Registry, sock int) {
	buf := make([]byte, 8192)
	for {
		n, _, err := unix.Recvfrom(sock, buf, 0)
		if err != nil {
			return // socket closed by Registry.Close, or a fatal error either way
		}
		action, fields := parseUeventMessage(buf[:n])
		if fields["SUBSYSTEM"] != "usb" || fields["DEVTYPE"] != "usb_device" {
			continue
		}
		devName := fields["DEVNAME"]
		if devName == "" {
			continue
		}
		identifier := "/dev/" + devName

		switch action {
		case "add":
			sysfsDir := "/sys" + fields["DEVPATH"]
			device, err := loadSysfsDevice(sysfsDir, identifier)
			if err != nil {
				Logger.Printf("usbhost: ignoring device %s: %v", identifier, err)
				continue
			}
			r.addDevice(device)
		case "remove":
			r.closeAndRemoveDevice(identifier)
		}
	}
}

// parseUeventMessage splits a NETLINK_KOBJECT_UEVENT payload into its
// leading action-and-devpath line and its NUL-separated KEY=VALUE
// fields.
func parseUeventMessage(msg []byte) (action string, fields map[string]string) {
	fields = make(map[string]string)
	parts := bytes.Split(msg, []byte{0})
	if len(parts) == 0 {
		return "", fields
	}
	// first part looks like "add@/devices/..." for the libudev framing,
	// or is itself already the first KEY=VALUE pair for the plain
	// kernel framing; ACTION= is always present as a field too.
	if idx := bytes.IndexByte(parts[0], '@'); idx >= 0 {
		action = string(parts[0][:idx])
	}
	for _, p := range parts {
		kv := string(p)
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		fields[key] = val
		if key == "ACTION" {
			action = val
		}
	}
	return action, fields
}

// enumerateSysfsDevices walks /sys/bus/usb/devices for the initial
// device list, skipping interface entries (their name contains ':')
// and anything that isn't a USB device node (root hubs are named
// "usbN"; devices are named "B-P[.P...]").
func enumerateSysfsDevices() ([]*Device, error) {
	const sysfsDevicesDir = "/sys/bus/usb/devices"
	entries, err := os.ReadDir(sysfsDevicesDir)
	if err != nil {
		return nil, NewUSBError("enumerating USB devices", err)
	}

	var devices []*Device
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.HasPrefix(name, "usb") && !strings.Contains(name, "-") {
			continue
		}

		dir := filepath.Join(sysfsDevicesDir, name)
		busnum, ok1 := readSysfsUint(dir, "busnum")
		devnum, ok2 := readSysfsUint(dir, "devnum")
		if !ok1 || !ok2 {
			continue
		}
		identifier := fmt.Sprintf("/dev/bus/usb/%03d/%03d", busnum, devnum)

		device, err := loadSysfsDevice(dir, identifier)
		if err != nil {
			Logger.Printf("usbhost: ignoring device %s: %v", identifier, err)
			continue
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// loadSysfsDevice reads vendor/product/string attributes from sysfsDir
// and the device/configuration descriptors from the usbfs device node
// at identifier, and assembles a Device backed by a linuxDriver.
func loadSysfsDevice(sysfsDir, identifier string) (*Device, error) {
	vendorID, ok := readSysfsHex(sysfsDir, "idVendor")
	if !ok {
		return nil, fmt.Errorf("no idVendor attribute")
	}
	productID, ok := readSysfsHex(sysfsDir, "idProduct")
	if !ok {
		return nil, fmt.Errorf("no idProduct attribute")
	}

	raw, err := os.ReadFile(identifier)
	if err != nil {
		return nil, fmt.Errorf("reading descriptors: %w", err)
	}
	if len(raw) < 18 {
		return nil, fmt.Errorf("device descriptor truncated")
	}

	device := newDevice(identifier, newLinuxDriver(identifier))
	if err := device.setDescriptors(raw[:18], raw[18:]); err != nil {
		return nil, err
	}
	device.VendorID = uint16(vendorID)
	device.ProductID = uint16(productID)
	device.Manufacturer, _ = readSysfsString(sysfsDir, "manufacturer")
	device.Product, _ = readSysfsString(sysfsDir, "product")
	device.SerialNumber, _ = readSysfsString(sysfsDir, "serial")
	return device, nil
}

func readSysfsString(dir, attr string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func readSysfsUint(dir, attr string) (uint64, bool) {
	s, ok := readSysfsString(dir, attr)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

func readSysfsHex(dir, attr string) (uint64, bool) {
	s, ok := readSysfsString(dir, attr)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	return v, err == nil
}
