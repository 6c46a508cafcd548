package usb

import (
	"encoding/hex"
	"testing"
)

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	data, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decoding hex fixture: %v", err)
	}
	return data
}

func TestParseDeviceDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		check   func(t *testing.T, d DeviceDescriptor)
	}{
		{
			name: "typical_device",
			// bLength=18 bDescriptorType=1 bcdUSB=0200 class/sub/proto=0
			// maxPacketSize0=64 vid=1234 pid=5678 bcdDevice=0100
			// iManufacturer=1 iProduct=2 iSerial=3 numConfigs=1
			data: "120100020000004034127856000101020301",
			check: func(t *testing.T, d DeviceDescriptor) {
				if d.USBVersion.String() != "2.0.0" {
					t.Errorf("USBVersion = %s, want 2.0.0", d.USBVersion)
				}
				if d.VendorID != 0x1234 || d.ProductID != 0x5678 {
					t.Errorf("VendorID/ProductID = %04x/%04x, want 1234/5678", d.VendorID, d.ProductID)
				}
				if d.MaxPacketSize0 != 64 {
					t.Errorf("MaxPacketSize0 = %d, want 64", d.MaxPacketSize0)
				}
				if d.NumConfigurations != 1 {
					t.Errorf("NumConfigurations = %d, want 1", d.NumConfigurations)
				}
			},
		},
		{
			name:    "too_short",
			data:    "1201000200",
			wantErr: true,
		},
		{
			name:    "wrong_descriptor_type",
			data:    "120200020000004034127856000101020301",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := ParseDeviceDescriptor(mustDecode(t, tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDeviceDescriptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, desc)
			}
		})
	}
}

func TestParseConfigurationSimple(t *testing.T) {
	// Config (9) + Interface (9) + 2 endpoints (7 each) = 32 bytes total.
	data := mustDecode(t, "09022000010100c032"+ // config: total=0x20, 1 iface, value 1, 100mA
		"0904000002ff010000"+ // interface 0, alt 0, 2 endpoints, vendor class
		"0705810240000a"+ // endpoint 0x81 IN bulk 64
		"0705020240000a") // endpoint 0x02 OUT bulk 64

	cfg, err := ParseConfiguration(data)
	if err != nil {
		t.Fatalf("ParseConfiguration() error = %v", err)
	}
	if cfg.ConfigurationValue != 1 {
		t.Errorf("ConfigurationValue = %d, want 1", cfg.ConfigurationValue)
	}
	if cfg.MaxPower != 0x32 {
		t.Errorf("MaxPower = %d, want 0x32", cfg.MaxPower)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("len(Interfaces) = %d, want 1", len(cfg.Interfaces))
	}
	intf := cfg.Interfaces[0]
	if len(intf.Alternates) != 1 {
		t.Fatalf("len(Alternates) = %d, want 1", len(intf.Alternates))
	}
	alt := intf.Alternates[0]
	if len(alt.Endpoints) != 2 {
		t.Fatalf("len(Endpoints) = %d, want 2", len(alt.Endpoints))
	}
	if alt.Endpoints[0].Direction != DirectionIn || alt.Endpoints[0].TransferType != TransferTypeBulk {
		t.Errorf("Endpoints[0] = %+v, want IN bulk", alt.Endpoints[0])
	}
	if alt.Endpoints[1].Direction != DirectionOut {
		t.Errorf("Endpoints[1] = %+v, want OUT", alt.Endpoints[1])
	}
}

func TestParseConfigurationMultipleAlternates(t *testing.T) {
	data := mustDecode(t, "09023200020100c032"+ // config: total 0x32 (50), 2 interfaces
		"09040000010e010000"+ // interface 0 alt 0, 1 endpoint, video control
		"0705830308000a"+ // endpoint 0x83 IN interrupt
		"09040100000e020000"+ // interface 1 alt 0, 0 endpoints
		"09040101010e020000"+ // interface 1 alt 1, 1 endpoint
		"07058105000200") // endpoint 0x81 IN isochronous 512

	cfg, err := ParseConfiguration(data)
	if err != nil {
		t.Fatalf("ParseConfiguration() error = %v", err)
	}
	if len(cfg.Interfaces) != 2 {
		t.Fatalf("len(Interfaces) = %d, want 2", len(cfg.Interfaces))
	}
	intf1, ok := cfg.GetInterface(1)
	if !ok {
		t.Fatal("GetInterface(1) not found")
	}
	if len(intf1.Alternates) != 2 {
		t.Fatalf("interface 1 has %d alternates, want 2", len(intf1.Alternates))
	}
	if len(intf1.Alternates[0].Endpoints) != 0 {
		t.Errorf("alt 0 endpoints = %d, want 0", len(intf1.Alternates[0].Endpoints))
	}
	if len(intf1.Alternates[1].Endpoints) != 1 {
		t.Fatalf("alt 1 endpoints = %d, want 1", len(intf1.Alternates[1].Endpoints))
	}
	if intf1.Alternates[1].Endpoints[0].TransferType != TransferTypeIsochronous {
		t.Errorf("endpoint transfer type = %v, want isochronous", intf1.Alternates[1].Endpoints[0].TransferType)
	}
}

func TestParseConfigurationInterfaceAssociation(t *testing.T) {
	data := mustDecode(t, "09023a00030100c032"+ // config: total 0x3a (58), 3 interfaces
		"080b00020e030000"+ // IAD: first=0 count=2 class=0x0e
		"0904000001ff010000"+ // interface 0
		"0705810308000a"+ // endpoint
		"0904010000ff020000"+ // interface 1
		"090402000103010000"+ // interface 2
		"0705820308000a") // endpoint

	cfg, err := ParseConfiguration(data)
	if err != nil {
		t.Fatalf("ParseConfiguration() error = %v", err)
	}
	// The IAD covers interfaces 0 and 1, so only interface 2 gets a
	// synthesized single-interface function.
	fn, ok := cfg.GetFunction(0)
	if !ok {
		t.Fatal("GetFunction(0) not found")
	}
	if fn.InterfaceCount != 2 {
		t.Errorf("InterfaceCount = %d, want 2", fn.InterfaceCount)
	}
	if len(cfg.Interfaces) != 3 {
		t.Errorf("len(Interfaces) = %d, want 3", len(cfg.Interfaces))
	}
}

func TestParseConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"too_short", "090220"},
		{"truncated_interface", "09020f00010100c032" + "0904000002ff"},
		{"wrong_length_field", "09021900010100c032" + "0904000002ff010000" + "0705810240000a" + "0705020240000a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfiguration(mustDecode(t, tt.data)); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}
