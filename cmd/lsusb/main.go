// Command lsusb lists the USB devices connected to the local machine.
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	usb "github.com/corvid-labs/usbhost"
)

var verbose = flag.Bool("v", false, "show configuration, interface and endpoint detail")

func main() {
	flag.Parse()

	devices, err := usb.GetDevices()
	if err != nil {
		log.Fatalf("enumerating devices: %v", err)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Identifier < devices[j].Identifier })

	for _, dev := range devices {
		fmt.Printf("%s  ID %04x:%04x  %s %s\n",
			dev.Identifier, dev.VendorID, dev.ProductID, dev.Manufacturer, dev.Product)
		if *verbose {
			printVerbose(dev)
		}
	}
}

func printVerbose(dev *usb.Device) {
	fmt.Printf("  bcdUSB              %s\n", dev.USBVersion)
	fmt.Printf("  bDeviceClass        %3d\n", dev.ClassCode)
	fmt.Printf("  bDeviceSubClass     %3d\n", dev.SubclassCode)
	fmt.Printf("  bDeviceProtocol     %3d\n", dev.ProtocolCode)
	fmt.Printf("  bMaxPacketSize0     %3d\n", dev.MaxPacketSize0)
	fmt.Printf("  bcdDevice           %s\n", dev.DeviceVersion)
	if dev.SerialNumber != "" {
		fmt.Printf("  iSerialNumber       %s\n", dev.SerialNumber)
	}

	cfg := dev.Configuration
	if cfg == nil {
		return
	}
	fmt.Printf("  Configuration %d, %d interface(s), max power %dmA\n",
		cfg.ConfigurationValue, len(cfg.Interfaces), int(cfg.MaxPower)*2)

	for _, intf := range cfg.Interfaces {
		for _, alt := range intf.Alternates {
			fmt.Printf("    Interface %d alt %d: class %d/%d/%d, %d endpoint(s)\n",
				intf.Number, alt.Number, alt.ClassCode, alt.SubclassCode, alt.ProtocolCode, len(alt.Endpoints))
			for _, ep := range alt.Endpoints {
				fmt.Printf("      Endpoint %d %s %s, max packet %d\n",
					ep.Number, ep.Direction, ep.TransferType, ep.MaxPacketSize)
			}
		}
	}
}
