package usb

import (
	"log"
	"sort"
	"sync"
)

// Logger receives diagnostic output from the registry and platform
// monitors (a disconnect noticed mid-reap, a monitor setup failure).
// Replace it to redirect or silence this output; it defaults to the
// standard logger.
var Logger = log.Default()

// monitor is implemented once per platform (monitor_linux.go,
// monitor_darwin.go, monitor_windows.go) and drives a Registry's
// background enumeration and hot-plug detection.
type monitor interface {
	// run performs the initial device enumeration, reports it via
	// r.notifyEnumerationComplete/notifyEnumerationFailed, and then
	// blocks watching for hot-plug events, calling r.addDevice and
	// r.closeAndRemoveDevice as they occur. It returns when r.done is
	// closed.
	run(r *Registry)
}

// newMonitor is assigned by the active platform's init() function. It
// is nil when the current OS/architecture has no driver.
var newMonitor func() monitor

// Registry maintains the list of currently connected USB devices and
// notifies callers about connects and disconnects. All methods
// consistently return the same *Device for the same physical USB
// device for as long as it stays plugged in.
//
// DefaultRegistry is the process-wide instance most applications use.
// NewRegistry creates an independent instance, primarily useful in
// tests.
type Registry struct {
	mu        sync.Mutex
	cond      *sync.Cond
	devices   []*Device // nil until the first enumeration completes
	initErr   error
	monitor   monitor
	started   bool
	done      chan struct{}

	onConnected    func(*Device)
	onDisconnected func(*Device)
}

// NewRegistry creates a new, independent device registry. Most
// applications should use DefaultRegistry instead; NewRegistry exists
// so tests can exercise registry logic without interfering with a
// process-wide singleton.
func NewRegistry() (*Registry, error) {
	if newMonitor == nil {
		return nil, NewUSBError("creating registry", errUnsupportedPlatform)
	}
	r := &Registry{done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	r.monitor = newMonitor()
	return r, nil
}

// DefaultRegistry is the process-wide device registry. It is nil on
// unsupported platforms; GetDevices and friends then return an error
// through the first call that needs the monitor.
var DefaultRegistry *Registry

func defaultRegistry() (*Registry, error) {
	if DefaultRegistry != nil {
		return DefaultRegistry, nil
	}
	r, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	DefaultRegistry = r
	return r, nil
}

// GetDevices returns the list of connected USB devices. It starts the
// background monitor if needed and blocks until the initial
// enumeration completes.
func GetDevices() ([]*Device, error) {
	r, err := defaultRegistry()
	if err != nil {
		return nil, err
	}
	return r.GetDevices()
}

// FindDevices returns every connected device matching every given
// option and, if supplied, match, using the process-wide DefaultRegistry.
func FindDevices(match func(*Device) bool, opts ...FindDeviceOption) ([]*Device, error) {
	r, err := defaultRegistry()
	if err != nil {
		return nil, err
	}
	return r.FindDevices(match, opts...)
}

// FindDevice returns the first connected device matching every given
// option and, if supplied, match, using the process-wide DefaultRegistry.
func FindDevice(match func(*Device) bool, opts ...FindDeviceOption) (*Device, error) {
	r, err := defaultRegistry()
	if err != nil {
		return nil, err
	}
	return r.FindDevice(match, opts...)
}

// GetDevices returns the list of connected USB devices, starting the
// background monitor and waiting for the initial enumeration if
// necessary.
func (r *Registry) GetDevices() ([]*Device, error) {
	r.mu.Lock()
	started := r.started
	r.started = true
	r.mu.Unlock()

	if !started {
		if err := r.startMonitor(); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.devices == nil && r.initErr == nil {
		r.cond.Wait()
	}
	return r.devices, r.initErr
}

func (r *Registry) startMonitor() error {
	go r.monitor.run(r)

	r.mu.Lock()
	for r.devices == nil && r.initErr == nil {
		r.cond.Wait()
	}
	err := r.initErr
	r.mu.Unlock()

	if err != nil {
		return NewUSBError("initial device enumeration", err)
	}
	return nil
}

// FindDeviceOption narrows FindDevices/FindDevice to devices whose
// property equals a given value, ANDed together and with the match
// predicate if one is also supplied.
type FindDeviceOption func(*deviceFilter)

type deviceFilter struct {
	vendorID     *uint16
	productID    *uint16
	manufacturer *string
	product      *string
	serialNumber *string
}

// WithVendorID restricts the search to devices with this vendor ID.
func WithVendorID(vendorID uint16) FindDeviceOption {
	return func(f *deviceFilter) { f.vendorID = &vendorID }
}

// WithProductID restricts the search to devices with this product ID.
func WithProductID(productID uint16) FindDeviceOption {
	return func(f *deviceFilter) { f.productID = &productID }
}

// WithManufacturer restricts the search to devices with this exact
// manufacturer string.
func WithManufacturer(manufacturer string) FindDeviceOption {
	return func(f *deviceFilter) { f.manufacturer = &manufacturer }
}

// WithProduct restricts the search to devices with this exact product
// string.
func WithProduct(product string) FindDeviceOption {
	return func(f *deviceFilter) { f.product = &product }
}

// WithSerialNumber restricts the search to devices with this exact
// serial number.
func WithSerialNumber(serialNumber string) FindDeviceOption {
	return func(f *deviceFilter) { f.serialNumber = &serialNumber }
}

func (f *deviceFilter) matches(d *Device) bool {
	if f.vendorID != nil && d.VendorID != *f.vendorID {
		return false
	}
	if f.productID != nil && d.ProductID != *f.productID {
		return false
	}
	if f.manufacturer != nil && d.Manufacturer != *f.manufacturer {
		return false
	}
	if f.product != nil && d.Product != *f.product {
		return false
	}
	if f.serialNumber != nil && d.SerialNumber != *f.serialNumber {
		return false
	}
	return true
}

// FindDevices returns every connected device matching every given
// option and, if supplied, match. A nil match with no options returns
// every connected device.
func (r *Registry) FindDevices(match func(*Device) bool, opts ...FindDeviceOption) ([]*Device, error) {
	devices, err := r.GetDevices()
	if err != nil {
		return nil, err
	}
	filter := &deviceFilter{}
	for _, opt := range opts {
		opt(filter)
	}
	var out []*Device
	for _, d := range devices {
		if !filter.matches(d) {
			continue
		}
		if match != nil && !match(d) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// FindDevice returns the first connected device matching every given
// option and, if supplied, match, or nil if none matches.
func (r *Registry) FindDevice(match func(*Device) bool, opts ...FindDeviceOption) (*Device, error) {
	devices, err := r.FindDevices(match, opts...)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}
	return devices[0], nil
}

// OnConnected registers a function to be called, from a background
// goroutine, whenever a USB device is connected. Pass nil to cancel.
// The callback must not block for long; it delays further notifications.
func (r *Registry) OnConnected(callback func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnected = callback
}

// OnDisconnected registers a function to be called, from a background
// goroutine, whenever a USB device is disconnected. Pass nil to cancel.
func (r *Registry) OnDisconnected(callback func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnected = callback
}

// Close stops the background monitor goroutine and releases any
// platform resources it holds (netlink sockets, IOKit notification
// ports, hidden windows). It is not part of the original usbx API but
// is needed so Go tests and short-lived tools can shut down
// deterministically instead of relying on daemon-thread-at-process-exit
// semantics, which Go lacks.
func (r *Registry) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func sortedDevices(devices []*Device) []*Device {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Identifier < devices[j].Identifier })
	return devices
}

// notifyEnumerationComplete is called once by a monitor after the
// initial device list has been built.
func (r *Registry) notifyEnumerationComplete(devices []*Device) {
	if devices == nil {
		devices = []*Device{} // an empty enumeration still completes the handshake
	}
	r.mu.Lock()
	r.devices = sortedDevices(devices)
	r.mu.Unlock()
	r.cond.Broadcast()
}

// notifyEnumerationFailed is called once by a monitor if the initial
// enumeration could not complete.
func (r *Registry) notifyEnumerationFailed(err error) {
	r.mu.Lock()
	r.initErr = err
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *Registry) findDeviceByID(identifier string) *Device {
	for _, d := range r.devices {
		if d.Identifier == identifier {
			return d
		}
	}
	return nil
}

// addDevice adds a newly connected device to the list and invokes the
// connected callback, outside the lock.
func (r *Registry) addDevice(d *Device) {
	r.mu.Lock()
	r.devices = sortedDevices(append(r.devices, d))
	cb := r.onConnected
	r.mu.Unlock()
	if cb != nil {
		cb(d)
	}
}

// closeAndRemoveDevice removes a disconnected device from the list,
// closes it, and invokes the disconnected callback outside the lock.
func (r *Registry) closeAndRemoveDevice(identifier string) {
	r.mu.Lock()
	d := r.findDeviceByID(identifier)
	if d == nil {
		r.mu.Unlock()
		return
	}
	d.Close()
	d.IsConnected = false
	for i, dev := range r.devices {
		if dev == d {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			break
		}
	}
	cb := r.onDisconnected
	r.mu.Unlock()
	if cb != nil {
		cb(d)
	}
}

var errUnsupportedPlatform = usbErrString("usbhost is not supported on this platform")
