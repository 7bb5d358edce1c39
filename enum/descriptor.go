// EHCI enumeration descriptor parsing
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package enum

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Standard USB descriptor types (USB 2.0 Table 9-5).
const (
	DescriptorDevice        = 1
	DescriptorConfiguration = 2
	DescriptorString        = 3
	DescriptorInterface     = 4
	DescriptorEndpoint      = 5
)

// Standard USB descriptor sizes the enumeration sequence requests.
const (
	DeviceDescriptorLength        = 18
	ConfigurationDescriptorLength = 9
	InterfaceDescriptorLength     = 9
)

// DeviceDescriptor implements USB 2.0 Table 9-8.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BCDUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	BCDDevice         uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor unmarshals the 18-byte device descriptor.
func ParseDeviceDescriptor(b []byte) (*DeviceDescriptor, error) {
	if len(b) < DeviceDescriptorLength {
		return nil, fmt.Errorf("enum: short device descriptor (%d bytes)", len(b))
	}

	d := &DeviceDescriptor{}

	if err := binary.Read(bytes.NewReader(b[:DeviceDescriptorLength]), binary.LittleEndian, d); err != nil {
		return nil, err
	}

	return d, nil
}

// ConfigurationDescriptor implements USB 2.0 Table 9-10.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfigurationDescriptor unmarshals the 9-byte configuration
// descriptor header (step 6: used to learn wTotalLength before fetching
// the full tree in step 7).
func ParseConfigurationDescriptor(b []byte) (*ConfigurationDescriptor, error) {
	if len(b) < ConfigurationDescriptorLength {
		return nil, fmt.Errorf("enum: short configuration descriptor (%d bytes)", len(b))
	}

	d := &ConfigurationDescriptor{}

	if err := binary.Read(bytes.NewReader(b[:ConfigurationDescriptorLength]), binary.LittleEndian, d); err != nil {
		return nil, err
	}

	return d, nil
}

// InterfaceDescriptor implements USB 2.0 Table 9-12, the fields the
// enumeration sequence's interface walk needs.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8
}

// ParseInterfaceDescriptor unmarshals a 9-byte interface descriptor found
// within the configuration tree.
func ParseInterfaceDescriptor(b []byte) (*InterfaceDescriptor, error) {
	if len(b) < InterfaceDescriptorLength {
		return nil, fmt.Errorf("enum: short interface descriptor (%d bytes)", len(b))
	}

	d := &InterfaceDescriptor{}

	if err := binary.Read(bytes.NewReader(b[:InterfaceDescriptorLength]), binary.LittleEndian, d); err != nil {
		return nil, err
	}

	return d, nil
}

// walkInterfaces scans the full configuration descriptor tree (step 7),
// invoking visit for every descriptor record encountered (type, raw
// bytes). Each record's own Length field advances the cursor, matching
// the self-describing TLV walk every USB descriptor tree uses.
func walkInterfaces(buf []byte, visit func(descType uint8, rec []byte)) {
	for off := 0; off+2 <= len(buf); {
		length := int(buf[off])

		if length < 2 || off+length > len(buf) {
			return
		}

		visit(buf[off+1], buf[off:off+length])

		off += length
	}
}
