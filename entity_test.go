package usb

import "testing"

func TestEndpointAddressRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		number    int
		direction TransferDirection
		want      byte
	}{
		{"out_ep2", 2, DirectionOut, 0x02},
		{"in_ep1", 1, DirectionIn, 0x81},
		{"in_ep0", 0, DirectionIn, 0x80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := EndpointAddress(tt.number, tt.direction)
			if addr != tt.want {
				t.Errorf("EndpointAddress() = %#x, want %#x", addr, tt.want)
			}
			if got := EndpointNumber(addr); got != tt.number {
				t.Errorf("EndpointNumber() = %d, want %d", got, tt.number)
			}
			if got := EndpointDirection(addr); got != tt.direction {
				t.Errorf("EndpointDirection() = %v, want %v", got, tt.direction)
			}
		})
	}
}

func TestNewEndpoint(t *testing.T) {
	ep := newEndpoint(0x81, 0x02, 512)
	if ep.Number != 1 {
		t.Errorf("Number = %d, want 1", ep.Number)
	}
	if ep.Direction != DirectionIn {
		t.Errorf("Direction = %v, want IN", ep.Direction)
	}
	if ep.TransferType != TransferTypeBulk {
		t.Errorf("TransferType = %v, want bulk", ep.TransferType)
	}
	if ep.MaxPacketSize != 512 {
		t.Errorf("MaxPacketSize = %d, want 512", ep.MaxPacketSize)
	}
}

func TestInterfaceAlternates(t *testing.T) {
	intf := &Interface{
		Number: 1,
		Alternates: []AlternateInterface{
			{Number: 0},
			{Number: 1, ClassCode: 0xff},
		},
	}

	if _, ok := intf.GetAlternate(2); ok {
		t.Error("GetAlternate(2) should not exist")
	}
	alt, ok := intf.GetAlternate(1)
	if !ok || alt.ClassCode != 0xff {
		t.Errorf("GetAlternate(1) = %+v, ok=%v", alt, ok)
	}

	if intf.IsClaimed() {
		t.Error("a fresh interface should not be claimed")
	}
	intf.setClaimed(true)
	if !intf.IsClaimed() {
		t.Error("setClaimed(true) should mark the interface claimed")
	}

	if !intf.setCurrentAlternate(1) {
		t.Fatal("setCurrentAlternate(1) should succeed")
	}
	if intf.CurrentAlternate().Number != 1 {
		t.Errorf("CurrentAlternate().Number = %d, want 1", intf.CurrentAlternate().Number)
	}
	if intf.setCurrentAlternate(99) {
		t.Error("setCurrentAlternate(99) should fail for a nonexistent alternate")
	}
}

func TestConfigurationLookups(t *testing.T) {
	cfg := &Configuration{
		Interfaces: []*Interface{
			{Number: 0, Alternates: []AlternateInterface{{Number: 0}}},
			{Number: 1, Alternates: []AlternateInterface{{Number: 0}}},
		},
		Functions: []CompositeFunction{
			{FirstInterfaceNumber: 0, InterfaceCount: 1},
			{FirstInterfaceNumber: 1, InterfaceCount: 1},
		},
	}

	if _, ok := cfg.GetInterface(5); ok {
		t.Error("GetInterface(5) should not exist")
	}
	if intf, ok := cfg.GetInterface(1); !ok || intf.Number != 1 {
		t.Errorf("GetInterface(1) = %+v, ok=%v", intf, ok)
	}

	if _, ok := cfg.GetFunction(5); ok {
		t.Error("GetFunction(5) should not exist")
	}
	if fn, ok := cfg.GetFunction(1); !ok || fn.FirstInterfaceNumber != 1 {
		t.Errorf("GetFunction(1) = %+v, ok=%v", fn, ok)
	}
}
