package usb

import (
	"sync"
	"testing"
	"time"
)

// fakeDriver implements driver with no-ops; registry tests never reach
// past Open/Close, so most methods are never called.
type fakeDriver struct{}

func (fakeDriver) open() error  { return nil }
func (fakeDriver) close()       {}
func (fakeDriver) claimInterface(int) error           { return nil }
func (fakeDriver) releaseInterface(int) error         { return nil }
func (fakeDriver) selectAlternate(int, int) error     { return nil }
func (fakeDriver) controlTransferIn(ControlTransfer, int) ([]byte, error) { return nil, nil }
func (fakeDriver) controlTransferOut(ControlTransfer, []byte) error       { return nil }
func (fakeDriver) transferIn(int, int, TransferType, float64) ([]byte, error) { return nil, nil }
func (fakeDriver) transferOut(int, []byte, TransferType, float64) error       { return nil }
func (fakeDriver) clearHalt(int, TransferDirection) error                { return nil }
func (fakeDriver) abortTransfers(int, TransferDirection)                 {}
func (fakeDriver) detachStandardDrivers() error                          { return nil }
func (fakeDriver) attachStandardDrivers() error                          { return nil }

func fakeDevice(identifier string, vid, pid uint16) *Device {
	d := newDevice(identifier, fakeDriver{})
	d.VendorID = vid
	d.ProductID = pid
	return d
}

// fakeMonitor stands in for an OS-specific monitor. It reports the
// initial list (or failure) given at construction time, then waits for
// hotplug events pushed onto its channels until r.done closes.
type fakeMonitor struct {
	initial []*Device
	failErr error

	connect    chan *Device
	disconnect chan string
}

func newFakeMonitor(initial []*Device) *fakeMonitor {
	return &fakeMonitor{
		initial:    initial,
		connect:    make(chan *Device, 4),
		disconnect: make(chan string, 4),
	}
}

func (m *fakeMonitor) run(r *Registry) {
	if m.failErr != nil {
		r.notifyEnumerationFailed(m.failErr)
		return
	}
	r.notifyEnumerationComplete(m.initial)
	for {
		select {
		case d := <-m.connect:
			r.addDevice(d)
		case id := <-m.disconnect:
			r.closeAndRemoveDevice(id)
		case <-r.done:
			return
		}
	}
}

func newTestRegistry(t *testing.T, m *fakeMonitor) *Registry {
	t.Helper()
	r := &Registry{done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	r.monitor = m
	t.Cleanup(r.Close)
	return r
}

func TestRegistryGetDevicesBlocksUntilEnumeration(t *testing.T) {
	m := newFakeMonitor([]*Device{
		fakeDevice("dev-2", 0x2222, 0x0002),
		fakeDevice("dev-1", 0x1111, 0x0001),
	})
	r := newTestRegistry(t, m)

	devices, err := r.GetDevices()
	if err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}
	// notifyEnumerationComplete sorts by Identifier.
	if devices[0].Identifier != "dev-1" || devices[1].Identifier != "dev-2" {
		t.Errorf("devices not sorted: %s, %s", devices[0].Identifier, devices[1].Identifier)
	}
}

func TestRegistryGetDevicesPropagatesEnumerationFailure(t *testing.T) {
	m := newFakeMonitor(nil)
	m.failErr = NewUSBError("enumerating", usbErrString("no permission"))
	r := newTestRegistry(t, m)

	if _, err := r.GetDevices(); err == nil {
		t.Fatal("expected an error from a failed enumeration")
	}
}

func TestRegistryStartsMonitorOnlyOnce(t *testing.T) {
	m := newFakeMonitor([]*Device{fakeDevice("dev-1", 0x1111, 0x0001)})
	r := newTestRegistry(t, m)

	if _, err := r.GetDevices(); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	// A second call must not block on a second enumeration handshake;
	// it should return the same list immediately.
	devices, err := r.GetDevices()
	if err != nil {
		t.Fatalf("GetDevices() (second call) error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
}

func TestRegistryFindDevice(t *testing.T) {
	m := newFakeMonitor([]*Device{
		fakeDevice("dev-1", 0x1111, 0x0001),
		fakeDevice("dev-2", 0x2222, 0x0002),
	})
	r := newTestRegistry(t, m)

	d, err := r.FindDevice(func(d *Device) bool { return d.VendorID == 0x2222 })
	if err != nil {
		t.Fatalf("FindDevice() error = %v", err)
	}
	if d == nil || d.Identifier != "dev-2" {
		t.Fatalf("FindDevice() = %v, want dev-2", d)
	}

	none, err := r.FindDevice(func(d *Device) bool { return d.VendorID == 0x9999 })
	if err != nil {
		t.Fatalf("FindDevice() error = %v", err)
	}
	if none != nil {
		t.Errorf("FindDevice() = %v, want nil", none)
	}

	all, err := r.FindDevices(nil)
	if err != nil {
		t.Fatalf("FindDevices(nil) error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("FindDevices(nil) len = %d, want 2", len(all))
	}
}

func TestRegistryHotplugCallbacks(t *testing.T) {
	m := newFakeMonitor(nil)
	r := newTestRegistry(t, m)

	var mu sync.Mutex
	var connected, disconnected []string
	done := make(chan struct{}, 2)

	r.OnConnected(func(d *Device) {
		mu.Lock()
		connected = append(connected, d.Identifier)
		mu.Unlock()
		done <- struct{}{}
	})
	r.OnDisconnected(func(d *Device) {
		mu.Lock()
		disconnected = append(disconnected, d.Identifier)
		mu.Unlock()
		done <- struct{}{}
	})

	if _, err := r.GetDevices(); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}

	m.connect <- fakeDevice("dev-new", 0x3333, 0x0003)
	waitFor(t, done)

	devices, err := r.GetDevices()
	if err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}

	m.disconnect <- "dev-new"
	waitFor(t, done)

	devices, err = r.GetDevices()
	if err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("len(devices) = %d, want 0 after disconnect", len(devices))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(connected) != 1 || connected[0] != "dev-new" {
		t.Errorf("connected = %v, want [dev-new]", connected)
	}
	if len(disconnected) != 1 || disconnected[0] != "dev-new" {
		t.Errorf("disconnected = %v, want [dev-new]", disconnected)
	}
}

func TestRegistryDisconnectMarksDeviceClosed(t *testing.T) {
	dev := fakeDevice("dev-1", 0x1111, 0x0001)
	dev.IsOpen = true
	m := newFakeMonitor([]*Device{dev})
	r := newTestRegistry(t, m)

	if _, err := r.GetDevices(); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}

	r.closeAndRemoveDevice("dev-1")

	if dev.IsConnected {
		t.Error("IsConnected should be false after disconnect")
	}
	if dev.IsOpen {
		t.Error("IsOpen should be false after disconnect closes the device")
	}
}

func TestRegistryCloseStopsMonitor(t *testing.T) {
	m := newFakeMonitor(nil)
	r := newTestRegistry(t, m)

	if _, err := r.GetDevices(); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	r.Close()
	r.Close() // closing twice must not panic

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("done channel was not closed")
	}
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}
