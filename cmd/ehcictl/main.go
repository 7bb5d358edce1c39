// ehcictl diagnostic command
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command ehcictl is a minimal diagnostic tool that dumps a running
// controller's device table to the log, intended to be wired into board
// firmware the way cmd/tamago is a thin wrapper around the tamago-go
// toolchain: the logic lives in exported functions (Dump, Watch), main
// itself only prints a usage line.
package main

import (
	"log"
	"time"

	"github.com/usbarmory/ehci"
)

// Dump logs the device table (spec §7 SUPPLEMENTED FEATURES): address,
// state, speed, vendor/product ID, and configured interface count for
// every non-UNPLUG slot at addresses 1 and up.
func Dump(c *ehci.Controller) {
	devices := c.Devices()

	if len(devices) == 0 {
		log.Printf("ehcictl: no devices attached")
		return
	}

	for _, d := range devices {
		log.Printf("ehcictl: addr=%d state=%d speed=%d vid=%#04x pid=%#04x ifaces=%d class_flags=%#02x",
			d.Address, d.State, d.Speed, d.VendorID, d.ProductID, d.InterfaceCount, d.FlagSupportedClass)
	}
}

// Watch calls Dump every interval until ctx-less stop (board firmware
// owns the loop; this is a convenience for a periodic console poll).
func Watch(c *ehci.Controller, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			Dump(c)
		}
	}
}

func main() {
	log.Println("ehcictl: run Dump(c) or Watch(c, interval, stop) against a running *ehci.Controller from board firmware")
}
