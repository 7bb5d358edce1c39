// EHCI periodic framelist
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched implements the List Manager (spec §4.C): asynchronous
// (circular) and periodic (framelist-rooted) schedule linkage, including
// the async-advance doorbell handshake.
package sched

import (
	"encoding/binary"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/hw"
)

// FramelistSize is the number of 32-bit link-word entries in the
// periodic framelist (one per 1 ms frame of the 1024-frame EHCI
// schedule).
const FramelistSize = 1024

// Framelist is the periodic schedule's root array (spec §3 "Periodic
// framelist entry"). Every slot is initialized to point at the periodic
// head QHD (invariant 2: "every periodic framelist slot points either to
// the periodic-head QHD or to the list chain beginning at it").
type Framelist struct {
	mem  *dma.Region
	addr uint32
}

// NewFramelist allocates and initializes a framelist whose every slot
// points at periodicHead.
func NewFramelist(mem *dma.Region, periodicHead uint32) *Framelist {
	buf := make([]byte, FramelistSize*4)
	link := (periodicHead &^ 0x1f) | (desc.LinkTypeQHD << 1)

	for i := 0; i < FramelistSize; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], link)
	}

	return &Framelist{
		mem:  mem,
		addr: mem.Alloc(buf, hw.FramelistAlign),
	}
}

// Addr returns the framelist's DMA address, suitable for
// PERIODICLISTBASE.
func (f *Framelist) Addr() uint32 {
	return f.addr
}
