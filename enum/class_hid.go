// EHCI enumeration class install: HID
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package enum

// HIDClass is the USB interface class code for Human Interface Devices
// (USB HID 1.11 §4.2).
const HIDClass = 0x03

// ClassFlagHID is the flag_supported_class bit the minimum profile sets
// when it installs a HID interface (spec §4.F step 7).
const ClassFlagHID = 1 << 0

// DescriptorTypeHID and DescriptorTypeReport are the HID-class-specific
// descriptor types (USB HID 1.11 §7.1) that follow a HID interface
// descriptor in the configuration tree, ahead of its endpoint
// descriptors.
const (
	DescriptorTypeHID    = 0x21
	DescriptorTypeReport = 0x22
)

// HIDDescriptor implements the fixed 9-byte HID class descriptor (USB
// HID 1.11 §6.2.1), present when bNumDescriptors == 1.
type HIDDescriptor struct {
	Length         uint8
	DescriptorType uint8
	HIDVersion     uint16
	CountryCode    uint8
	NumDescriptors uint8
	ReportDescType uint8
	ReportDescLen  uint16
}

// InstallHID is the minimum profile's HID class installer (spec §4.F
// step 7 "HID in the minimum profile"). It recognizes HIDClass
// interfaces and reports the whole range (HID descriptor plus endpoint
// descriptors) as consumed; the HID class descriptor's fields are not
// parsed.
func InstallHID(iface *InterfaceDescriptor, rangeBytes []byte) (consumed int, flag uint8, ok bool) {
	if iface.InterfaceClass != HIDClass {
		return 0, 0, false
	}

	return len(rangeBytes), ClassFlagHID, true
}
