// EHCI descriptor pool
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package desc

import (
	"fmt"

	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/hw"
)

// Capacity limits (spec §3 "Per-device slot ... Number of slots is
// bounded by HOST_DEVICE_MAX").
const (
	HostDeviceMax = 16
	MaxQHD        = 8
	MaxQTD        = 16
)

// ErrPoolExhausted is returned when a fixed-size QHD/qTD pool has no free
// slot (spec §7 POOL_EXHAUSTED).
var ErrPoolExhausted = fmt.Errorf("ehci: descriptor pool exhausted")

type qhdSlot struct {
	addr uint32
	used bool
}

type qtdSlot struct {
	addr uint32
	used bool
}

// QHDMeta holds the driver-private fields that ride alongside a QHD but
// never appear in its hardware-visible wire layout (spec §3 Data Model:
// "Driver-private trailing fields": is_removing, p_qtd_list_head,
// p_qtd_list_tail, pid_non_control, class_code).
type QHDMeta struct {
	DevAddr    uint8
	Idx        int
	Control    bool
	ClassCode  uint8
	IsRemoving bool

	// PIDNonControl is the fixed transfer direction (PIDIn/PIDOut) of a
	// bulk/interrupt QHD for its lifetime.
	PIDNonControl int

	// ListHead/ListTail track the oldest/newest qTD still enqueued on
	// this QHD, independent of the hardware overlay's working copy of
	// the next-qTD pointer (which the controller advances as it
	// executes, and so cannot be walked by software to find completions
	// in enqueue order).
	ListHead uint32
	ListTail uint32
}

// Pool owns the fixed-capacity QHD/qTD arena for every device slot of one
// controller (spec §3 "Per-device slot", §4.B, and DESIGN NOTES
// "Hardware-shared graphs vs. ownership": arena-allocated nodes
// referenced by 32-bit physical addresses, never Go pointers).
//
// Device slot 0 is the address-0 pipe; per invariant 5 it shares the
// asynchronous list's head QHD rather than allocating one of its own.
type Pool struct {
	mem *dma.Region

	asyncHead uint32

	controlQHD [HostDeviceMax + 1]uint32
	controlQTD [HostDeviceMax + 1][3]qtdSlot

	qhd [HostDeviceMax + 1][MaxQHD]qhdSlot
	qtd [HostDeviceMax + 1][MaxQTD]qtdSlot

	meta map[uint32]*QHDMeta
}

// NewPool allocates the full descriptor arena (head QHD, per-slot control
// QHDs, and per-slot QHD/qTD pools) out of mem.
func NewPool(mem *dma.Region) *Pool {
	p := &Pool{mem: mem, meta: make(map[uint32]*QHDMeta)}

	head := &QHD{}
	head.Init(Endpoint{HeadOfList: true, Control: true})
	head.Halt()
	head.SetLink(0, LinkTypeQHD)

	p.asyncHead = mem.Alloc(head.Marshal(), hw.QHDAlign)
	p.controlQHD[0] = p.asyncHead
	p.meta[p.asyncHead] = &QHDMeta{Control: true}

	for i := range p.controlQTD[0] {
		p.controlQTD[0][i] = qtdSlot{addr: mem.Alloc(make([]byte, QTDSize), hw.QTDAlign)}
	}

	for slot := 1; slot <= HostDeviceMax; slot++ {
		p.controlQHD[slot] = mem.Alloc(make([]byte, QHDSize), hw.QHDAlign)
		p.meta[p.controlQHD[slot]] = &QHDMeta{DevAddr: uint8(slot), Control: true}

		for i := range p.controlQTD[slot] {
			p.controlQTD[slot][i] = qtdSlot{addr: mem.Alloc(make([]byte, QTDSize), hw.QTDAlign)}
		}

		for i := range p.qhd[slot] {
			p.qhd[slot][i] = qhdSlot{addr: mem.Alloc(make([]byte, QHDSize), hw.QHDAlign)}
		}

		for i := range p.qtd[slot] {
			p.qtd[slot][i] = qtdSlot{addr: mem.Alloc(make([]byte, QTDSize), hw.QTDAlign)}
		}
	}

	return p
}

// AsyncHead returns the address of the permanently pinned async list head
// QHD (invariant 1).
func (p *Pool) AsyncHead() uint32 {
	return p.asyncHead
}

// ControlQHD returns the control QHD address for a device slot; address 0
// resolves to the async list head (invariant 5).
func (p *Pool) ControlQHD(devAddr uint8) uint32 {
	return p.controlQHD[devAddr]
}

// AllocControlQTD implements qtd_find_free for the 3-entry control qTD
// pool belonging to devAddr.
func (p *Pool) AllocControlQTD(devAddr uint8) (idx int, addr uint32, err error) {
	for i := range p.controlQTD[devAddr] {
		if !p.controlQTD[devAddr][i].used {
			p.controlQTD[devAddr][i].used = true
			return i, p.controlQTD[devAddr][i].addr, nil
		}
	}

	return 0, 0, ErrPoolExhausted
}

// FreeControlQTD releases a control qTD slot (ISR single-assignment
// used=0, spec §4.B).
func (p *Pool) FreeControlQTD(devAddr uint8, idx int) {
	p.controlQTD[devAddr][idx].used = false
}

// AllocQHD implements qhd_find_free for the per-slot bulk/interrupt QHD
// pool.
func (p *Pool) AllocQHD(devAddr uint8) (idx int, addr uint32, err error) {
	for i := range p.qhd[devAddr] {
		if !p.qhd[devAddr][i].used {
			p.qhd[devAddr][i].used = true
			return i, p.qhd[devAddr][i].addr, nil
		}
	}

	return 0, 0, ErrPoolExhausted
}

// FreeQHD releases a bulk/interrupt QHD slot.
func (p *Pool) FreeQHD(devAddr uint8, idx int) {
	p.qhd[devAddr][idx].used = false
}

// QHDAddr returns the address of a previously allocated bulk/interrupt
// QHD slot.
func (p *Pool) QHDAddr(devAddr uint8, idx int) uint32 {
	return p.qhd[devAddr][idx].addr
}

// AllocQTD implements qtd_find_free for the per-slot general qTD pool.
func (p *Pool) AllocQTD(devAddr uint8) (idx int, addr uint32, err error) {
	for i := range p.qtd[devAddr] {
		if !p.qtd[devAddr][i].used {
			p.qtd[devAddr][i].used = true
			return i, p.qtd[devAddr][i].addr, nil
		}
	}

	return 0, 0, ErrPoolExhausted
}

// FreeQTD releases a general qTD slot.
func (p *Pool) FreeQTD(devAddr uint8, idx int) {
	p.qtd[devAddr][idx].used = false
}

// ReleaseSlot frees every QHD and qTD belonging to devAddr, as performed
// by the async-advance handler when a device transitions to UNPLUG (spec
// §4.E "frees all QHDs and qTDs in that device's pools").
func (p *Pool) ReleaseSlot(devAddr uint8) {
	for i := range p.qhd[devAddr] {
		p.qhd[devAddr][i].used = false
	}

	for i := range p.qtd[devAddr] {
		p.qtd[devAddr][i].used = false
	}

	for i := range p.controlQTD[devAddr] {
		p.controlQTD[devAddr][i].used = false
	}
}

// SetMeta installs the driver-private metadata for the QHD at addr,
// replacing whatever was there (allocation always starts a QHD's private
// fields fresh).
func (p *Pool) SetMeta(addr uint32, m QHDMeta) {
	p.meta[addr] = &m
}

// Meta returns the driver-private metadata for the QHD at addr, suitable
// for in-place mutation (e.g. ListHead/ListTail bookkeeping). A QHD with
// no metadata yet (shouldn't happen for a properly opened pipe) returns a
// fresh zero value rather than nil, so callers never need a nil check.
func (p *Pool) Meta(addr uint32) *QHDMeta {
	m, ok := p.meta[addr]

	if !ok {
		m = &QHDMeta{}
		p.meta[addr] = m
	}

	return m
}

// MarkRemoving sets is_removing=1 for the QHD at addr (spec §4.D
// pipe_close, invariant 4).
func (p *Pool) MarkRemoving(addr uint32) {
	p.Meta(addr).IsRemoving = true
}

// FreeQTDAddr releases a general qTD slot identified by its DMA address,
// as used by the ISR when retiring a completed qTD (it only has the
// address from the chain walk, not the pool index).
func (p *Pool) FreeQTDAddr(devAddr uint8, addr uint32) {
	for i := range p.qtd[devAddr] {
		if p.qtd[devAddr][i].addr == addr {
			p.qtd[devAddr][i].used = false
			return
		}
	}
}

// FreeControlQTDAddr is FreeQTDAddr for the 3-entry control qTD pool.
func (p *Pool) FreeControlQTDAddr(devAddr uint8, addr uint32) {
	for i := range p.controlQTD[devAddr] {
		if p.controlQTD[devAddr][i].addr == addr {
			p.controlQTD[devAddr][i].used = false
			return
		}
	}
}

// ReadQHD reads and parses the QHD published at addr.
func (p *Pool) ReadQHD(addr uint32) *QHD {
	buf := make([]byte, QHDSize)
	p.mem.Read(addr, 0, buf)
	return UnmarshalQHD(buf)
}

// WriteQHD publishes q at addr.
func (p *Pool) WriteQHD(addr uint32, q *QHD) {
	p.mem.Write(addr, 0, q.Marshal())
}

// ReadQTD reads and parses the qTD published at addr.
func (p *Pool) ReadQTD(addr uint32) *QTD {
	buf := make([]byte, QTDSize)
	p.mem.Read(addr, 0, buf)
	return UnmarshalQTD(buf)
}

// WriteQTD publishes q at addr.
func (p *Pool) WriteQTD(addr uint32, q *QTD) {
	p.mem.Write(addr, 0, q.Marshal())
}
