package main

import (
	"fmt"
	"strings"

	"github.com/sstallion/go-hid"
)

// Lists every HID interface and marks the ones a Vial host would talk to.
func main() {
	if err := hid.Init(); err != nil {
		fmt.Println("hid init:", err)
		return
	}
	defer hid.Exit()

	fmt.Println("HID Devices:")
	hid.Enumerate(0, 0, func(info *hid.DeviceInfo) error {
		tag := ""
		switch {
		case strings.Contains(info.SerialNbr, "vibl:d4f8159c"):
			tag = " [vial bootloader]"
		case info.UsagePage == 0xFF60 && info.Usage == 0x61 && strings.Contains(info.SerialNbr, "vial:f64c2b3c"):
			tag = " [vial]"
		case info.UsagePage == 0xFF60 && info.Usage == 0x61:
			tag = " [raw hid]"
		}
		fmt.Printf("VID: 0x%04x, PID: 0x%04x, Path: %s, Product: %s, Serial: %s, UsagePage: 0x%04x, Usage: 0x%02x, Interface: %d%s\n",
			info.VendorID, info.ProductID, info.Path, info.ProductStr, info.SerialNbr, info.UsagePage, info.Usage, info.InterfaceNbr, tag)
		return nil
	})
}
