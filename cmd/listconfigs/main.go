// Command listconfigs prints the configuration descriptor of every
// connected USB device, optionally filtered by vendor/product ID.
package main

import (
	"flag"
	"fmt"
	"log"

	usb "github.com/corvid-labs/usbhost"
)

func main() {
	var (
		vid     = flag.Int("vid", 0, "vendor ID filter (0 for any)")
		pid     = flag.Int("pid", 0, "product ID filter (0 for any)")
		verbose = flag.Bool("v", false, "print endpoint detail")
	)
	flag.Parse()

	var opts []usb.FindDeviceOption
	if *vid != 0 {
		opts = append(opts, usb.WithVendorID(uint16(*vid)))
	}
	if *pid != 0 {
		opts = append(opts, usb.WithProductID(uint16(*pid)))
	}

	devices, err := usb.FindDevices(nil, opts...)
	if err != nil {
		log.Fatalf("getting device list: %v", err)
	}
	if len(devices) == 0 {
		fmt.Println("no USB devices found")
		return
	}

	fmt.Printf("found %d USB device(s)\n\n", len(devices))

	for _, dev := range devices {
		fmt.Printf("%s  VID:0x%04x PID:0x%04x\n", dev.Identifier, dev.VendorID, dev.ProductID)
		if dev.Manufacturer != "" {
			fmt.Printf("  Manufacturer: %s\n", dev.Manufacturer)
		}
		if dev.Product != "" {
			fmt.Printf("  Product: %s\n", dev.Product)
		}

		printConfig(dev.Configuration, *verbose)
		fmt.Println()
	}
}

func printConfig(cfg *usb.Configuration, verbose bool) {
	if cfg == nil {
		return
	}
	fmt.Printf("  Configuration %d:\n", cfg.ConfigurationValue)
	fmt.Printf("    Attributes: 0x%02x%s\n", cfg.Attributes, attributeNames(cfg.Attributes))
	fmt.Printf("    MaxPower: %dmA\n", cfg.MaxPower*2)
	fmt.Printf("    Interfaces: %d\n", len(cfg.Interfaces))

	if !verbose {
		return
	}

	for _, intf := range cfg.Interfaces {
		fmt.Printf("    Interface %d:\n", intf.Number)
		fmt.Printf("      Alternate settings: %d\n", len(intf.Alternates))
		for _, alt := range intf.Alternates {
			fmt.Printf("      Alt %d:\n", alt.Number)
			fmt.Printf("        Class: 0x%02x (%s)\n", alt.ClassCode, className(alt.ClassCode))
			fmt.Printf("        SubClass: 0x%02x\n", alt.SubclassCode)
			fmt.Printf("        Protocol: 0x%02x\n", alt.ProtocolCode)
			fmt.Printf("        Endpoints: %d\n", len(alt.Endpoints))
			for _, ep := range alt.Endpoints {
				fmt.Printf("          Endpoint %d %s %s, max packet %d\n",
					ep.Number, ep.Direction, ep.TransferType, ep.MaxPacketSize)
			}
		}
	}
}

func attributeNames(attrs int) string {
	var names []string
	if attrs&0x40 != 0 {
		names = append(names, "self powered")
	}
	if attrs&0x20 != 0 {
		names = append(names, "remote wakeup")
	}
	if len(names) == 0 {
		return ""
	}
	out := " ("
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out + ")"
}

func className(class int) string {
	switch class {
	case 0x00:
		return "Device"
	case 0x01:
		return "Audio"
	case 0x02:
		return "Communications"
	case 0x03:
		return "HID"
	case 0x05:
		return "Physical"
	case 0x06:
		return "Image"
	case 0x07:
		return "Printer"
	case 0x08:
		return "Mass Storage"
	case 0x09:
		return "Hub"
	case 0x0a:
		return "CDC Data"
	case 0x0b:
		return "Smart Card"
	case 0x0d:
		return "Content Security"
	case 0x0e:
		return "Video"
	case 0x0f:
		return "Personal Healthcare"
	case 0x10:
		return "Audio/Video"
	case 0x11:
		return "Billboard"
	case 0xdc:
		return "Diagnostic"
	case 0xe0:
		return "Wireless"
	case 0xef:
		return "Miscellaneous"
	case 0xfe:
		return "Application Specific"
	case 0xff:
		return "Vendor Specific"
	default:
		return "Unknown"
	}
}
