package usb

import "testing"

func TestVersion(t *testing.T) {
	tests := []struct {
		name               string
		bcd                uint16
		major, minor, sub int
		want               string
	}{
		{"usb2", 0x0200, 2, 0, 0, "2.0.0"},
		{"usb3.2.1", 0x0321, 3, 2, 1, "3.2.1"},
		{"zero", 0x0000, 0, 0, 0, "0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVersion(tt.bcd)
			if v.Major() != tt.major {
				t.Errorf("Major() = %d, want %d", v.Major(), tt.major)
			}
			if v.Minor() != tt.minor {
				t.Errorf("Minor() = %d, want %d", v.Minor(), tt.minor)
			}
			if v.Subminor() != tt.sub {
				t.Errorf("Subminor() = %d, want %d", v.Subminor(), tt.sub)
			}
			if got := v.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
