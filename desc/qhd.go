// EHCI queue head (QHD) layout
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package desc

import (
	"bytes"
	"encoding/binary"

	"github.com/usbarmory/ehci/bits"
)

// Horizontal link type tags (EHCI 1.0 §3.2), stored in bits 2:1 of a link
// pointer; bit 0 is the terminate bit.
const (
	LinkTypeITD  = 0b00
	LinkTypeQHD  = 0b01
	LinkTypeSITD = 0b10
	LinkTypeFSTN = 0b11
)

// Endpoint characteristics word bit positions (EHCI 1.0 §3.6).
const (
	CharDeviceAddr        = 0  // 7 bits
	CharInactiveNext      = 7
	CharEndpoint          = 8 // 4 bits
	CharEndpointSpeed     = 12 // 2 bits
	CharDataToggleControl = 14
	CharHeadOfList        = 15
	CharMaxPacketLen      = 16 // 11 bits
	CharNonHSControlEP    = 27
	CharNakCountReload    = 28 // 4 bits
)

// Endpoint speed encodings (EHCI 1.0 §3.6, matches hw.Speed*).
const (
	SpeedFull = 0b00
	SpeedLow  = 0b01
	SpeedHigh = 0b10
)

// Endpoint capabilities word bit positions (EHCI 1.0 §3.6).
const (
	CapSMask   = 0  // 8 bits
	CapCMask   = 8  // 8 bits
	CapHubAddr = 16 // 7 bits
	CapHubPort = 23 // 7 bits
	CapMult    = 30 // 2 bits
)

// NonHSInterruptCMask is the complete-split mask for non-high-speed
// interrupt endpoints: uframes 2..4 (spec §4.D).
const NonHSInterruptCMask = 0b11100

// QHDSize is the on-the-wire size, in bytes, of a QHD: horizontal link
// (4) + characteristics (4) + capabilities (4) + qTD overlay (32).
const QHDSize = 4 + 4 + 4 + QTDSize

// QHD is the software-side mirror of a hardware queue head, EHCI 1.0
// §3.6. The qTD overlay occupies the same wire shape as a standalone QTD.
type QHD struct {
	Link            uint32
	Characteristics uint32
	Capabilities    uint32
	Overlay         QTD
}

// Marshal serializes q to its little-endian wire representation.
func (q *QHD) Marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, q)
	return buf.Bytes()
}

// UnmarshalQHD parses the wire representation of a QHD.
func UnmarshalQHD(b []byte) *QHD {
	q := &QHD{}
	binary.Read(bytes.NewReader(b[:QHDSize]), binary.LittleEndian, q)
	return q
}

// Endpoint describes the static characteristics needed to initialize a
// QHD (spec §4.D "QHD initialization").
type Endpoint struct {
	DeviceAddr   uint8
	EndpointNum  uint8
	Speed        uint8
	MaxPacketLen uint16
	HeadOfList   bool
	Control      bool
	HubAddr      uint8
	HubPort      uint8
	// Interrupt is true for interrupt endpoints, selecting the smask/cmask
	// split-completion fields; false leaves them zero (control/bulk).
	Interrupt bool
}

// Init configures q per spec §4.D "QHD initialization".
func (q *QHD) Init(ep Endpoint) {
	*q = QHD{}

	bits.SetN(&q.Characteristics, CharDeviceAddr, 0x7f, uint32(ep.DeviceAddr))
	bits.SetN(&q.Characteristics, CharEndpoint, 0xf, uint32(ep.EndpointNum))
	bits.SetN(&q.Characteristics, CharEndpointSpeed, 0b11, uint32(ep.Speed))
	bits.SetN(&q.Characteristics, CharMaxPacketLen, 0x7ff, uint32(ep.MaxPacketLen))
	bits.SetN(&q.Characteristics, CharNakCountReload, 0xf, 0)

	if ep.HeadOfList {
		bits.Set(&q.Characteristics, CharHeadOfList)
	}

	if ep.Control {
		bits.Set(&q.Characteristics, CharDataToggleControl)

		if ep.Speed != SpeedHigh {
			bits.Set(&q.Characteristics, CharNonHSControlEP)
		}
	}

	if ep.Interrupt {
		if ep.Speed == SpeedHigh {
			bits.SetN(&q.Capabilities, CapSMask, 0xff, 0xff)
		} else {
			bits.SetN(&q.Capabilities, CapSMask, 0xff, 0x01)
			bits.SetN(&q.Capabilities, CapCMask, 0xff, NonHSInterruptCMask)
		}
	}

	bits.SetN(&q.Capabilities, CapHubAddr, 0x7f, uint32(ep.HubAddr))
	bits.SetN(&q.Capabilities, CapHubPort, 0x7f, uint32(ep.HubPort))
	bits.SetN(&q.Capabilities, CapMult, 0b11, 1)

	// overlay: halted clear, next/alternate terminated until a qTD is
	// attached by the Pipe Engine.
	q.Overlay.Next = 1
	q.Overlay.AltNext = 1
}

// HeadOfList reports whether the QHD is the permanently-pinned head of
// its schedule (spec invariant 1).
func (q *QHD) HeadOfList() bool {
	return bits.Get(&q.Characteristics, CharHeadOfList, 1) == 1
}

// DeviceAddr returns the device address field.
func (q *QHD) DeviceAddr() uint8 {
	return uint8(bits.Get(&q.Characteristics, CharDeviceAddr, 0x7f))
}

// EndpointNum returns the endpoint number field.
func (q *QHD) EndpointNum() uint8 {
	return uint8(bits.Get(&q.Characteristics, CharEndpoint, 0xf))
}

// Speed returns the endpoint speed field (SpeedFull/SpeedLow/SpeedHigh).
func (q *QHD) Speed() uint8 {
	return uint8(bits.Get(&q.Characteristics, CharEndpointSpeed, 0b11))
}

// Halt marks the QHD overlay permanently halted (used for the async list
// head, spec invariant 1).
func (q *QHD) Halt() {
	bits.Set(&q.Overlay.Token, TokenHalted)
}

// Halted reports the QHD overlay's halted bit.
func (q *QHD) Halted() bool {
	return q.Overlay.Halted()
}

// LinkAddr returns the horizontal link's target address, masking off the
// type tag and terminate bit.
func (q *QHD) LinkAddr() uint32 {
	return q.Link &^ 0x1f
}

// LinkTerminate reports whether the horizontal link's terminate bit is
// set.
func (q *QHD) LinkTerminate() bool {
	return q.Link&1 == 1
}

// SetLink points the horizontal link at addr with the given type tag, and
// clears the terminate bit; pass addr==0 to terminate the list.
func (q *QHD) SetLink(addr uint32, typ uint32) {
	if addr == 0 {
		q.Link = 1
		return
	}

	q.Link = (addr &^ 0x1f) | (typ << 1)
}
