// EHCI interrupt handler
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package isr implements the Interrupt Handler (spec §4.E): a single
// entry point called from the platform's interrupt vector that
// acknowledges pending status, then dispatches transfer-error,
// transfer-complete, port-change, and async-advance handling.
//
// Handler.ISR must never be run as a goroutine: it is non-reentrant per
// controller and must never block (spec §5 "the ISR never blocks and
// never allocates").
package isr

import (
	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/hw"
)

// Event is the completion event delivered to the stack shim's callback
// (spec §4.G "event ∈ {XFER_COMPLETE, XFER_ERROR}").
type Event int

const (
	XferComplete Event = iota
	XferError
)

// Handle mirrors pipe.Handle without importing package pipe (which
// itself never needs to know about the ISR), avoiding a dependency cycle
// between the two halves of the qTD lifecycle.
type Handle struct {
	DevAddr uint8
	Control bool
	Index   int
}

// CompletionFunc is the stack shim's completion callback (spec §4.G):
// `(pipe_handle, class_code, event)`.
type CompletionFunc func(h Handle, classCode uint8, event Event)

// PortChangeFunc notifies of a root hub port connect (speed valid) or
// disconnect (speed ignored).
type PortChangeFunc func(port int, connected bool, speed uint32)

// AsyncAdvanceFunc notifies that a device's QHDs/qTDs have all been
// reclaimed and the device slot has transitioned to UNPLUG.
type AsyncAdvanceFunc func(devAddr uint8)

// Handler implements the Interrupt Handler over one controller's
// register block and descriptor pool.
type Handler struct {
	HW           *hw.Controller
	Pool         *desc.Pool
	PeriodicHead uint32

	OnCompletion CompletionFunc
	OnPortChange PortChangeFunc
	OnUnplugged  AsyncAdvanceFunc
}

// walkLimit bounds every list walk against a corrupted or non-terminating
// chain (spec §4.E "bounded by pool size to guard against corruption").
const walkLimit = desc.MaxQHD*desc.HostDeviceMax + 1

// ISR is the controller's interrupt service routine. It reads status,
// ANDs with the enable mask (hw.Controller.Status), writes status back to
// acknowledge, and only then dispatches to the four handlers plus
// async-advance completion. Acknowledging strictly before dispatch
// guarantees the controller cannot re-raise an interrupt for an event
// already in the middle of being handled.
func (h *Handler) ISR() {
	pending := h.HW.Status()
	h.HW.Acknowledge(pending)

	if pending&(1<<hw.STS_ERR) != 0 {
		h.transferError()
	}

	if pending&(1<<hw.STS_INT) != 0 {
		h.asyncCompletion()
		h.periodicCompletion()
	}

	if pending&(1<<hw.STS_PCD) != 0 {
		h.portChange()
	}

	if pending&(1<<hw.STS_IAA) != 0 {
		h.asyncAdvance()
	}
}

// transferError scans the async list; for each QHD whose overlay shows
// buffer/babble/transaction error, or whose halted=1 with
// device_address!=0, it issues an XFER_ERROR completion.
func (h *Handler) transferError() {
	head := h.Pool.AsyncHead()
	current := head

	for i := 0; i < walkLimit; i++ {
		q := h.Pool.ReadQHD(current)

		if q.Overlay.Error() || (q.Halted() && q.DeviceAddr() != 0) {
			h.complete(current, XferError)
		}

		next := q.LinkAddr()

		if q.LinkTerminate() || next == head {
			break
		}

		current = next
	}
}

// asyncCompletion walks the circular async list starting from the async
// head. For each non-halted QHD, it retires qTDs from the qTD-list head
// while their active=0, in enqueue order (spec ordering guarantee 3).
func (h *Handler) asyncCompletion() {
	head := h.Pool.AsyncHead()
	current := head

	for i := 0; i < walkLimit; i++ {
		q := h.Pool.ReadQHD(current)

		if !q.Halted() {
			h.retire(current)
		}

		next := q.LinkAddr()

		if q.LinkTerminate() || next == head {
			break
		}

		current = next
	}
}

// periodicCompletion walks the periodic head's forward chain, processing
// QHDs identically to the async list. ITD/SITD/FSTN links are reserved
// but unsupported.
func (h *Handler) periodicCompletion() {
	current := h.PeriodicHead

	for i := 0; i < walkLimit; i++ {
		q := h.Pool.ReadQHD(current)

		if q.Link&0b110 != uint32(desc.LinkTypeQHD)<<1 {
			panic("isr: periodic list contains an unsupported ITD/SITD/FSTN link")
		}

		if !q.Halted() {
			h.retire(current)
		}

		if q.LinkTerminate() {
			break
		}

		current = q.LinkAddr()
	}
}

// retire walks a QHD's private qTD list (oldest first), freeing every
// entry whose overlay is no longer active and dispatching an
// XFER_COMPLETE for those with int_on_complete set.
func (h *Handler) retire(qhdAddr uint32) {
	m := h.Pool.Meta(qhdAddr)

	addr := m.ListHead

	for addr != 0 {
		qtd := h.Pool.ReadQTD(addr)

		if qtd.Active() {
			break
		}

		if qtd.IOC() {
			h.complete(qhdAddr, XferComplete)
		}

		if m.Control {
			h.Pool.FreeControlQTDAddr(m.DevAddr, addr)
		} else {
			h.Pool.FreeQTDAddr(m.DevAddr, addr)
		}

		if qtd.Next == 1 {
			addr = 0
		} else {
			addr = qtd.Next
		}
	}

	m.ListHead = addr

	if addr == 0 {
		m.ListTail = 0
	}
}

// complete synthesizes a pipe handle for the QHD at qhdAddr (control if
// endpoint_number==0, else bulk/interrupt) and invokes the completion
// callback with its class_code.
func (h *Handler) complete(qhdAddr uint32, event Event) {
	if h.OnCompletion == nil {
		return
	}

	m := h.Pool.Meta(qhdAddr)

	handle := Handle{DevAddr: m.DevAddr, Control: m.Control, Index: m.Idx}

	h.OnCompletion(handle, m.ClassCode, event)
}

// portChange handles a port-change-detect interrupt for every
// implemented root hub port: on connect it resets the port and notifies
// with the negotiated speed; on disconnect it notifies and rings the
// async-advance doorbell so the device's QHDs can be safely reclaimed.
func (h *Handler) portChange() {
	for port := 1; port <= h.HW.NumPorts; port++ {
		connected := h.HW.PortConnectStatus(port)

		if connected {
			h.HW.PortReset(port)

			if h.OnPortChange != nil {
				h.OnPortChange(port, true, h.HW.PortSpeed(port))
			}
		} else {
			if h.OnPortChange != nil {
				h.OnPortChange(port, false, 0)
			}

			h.HW.RingDoorbell()
		}
	}
}

// asyncAdvance completes pending is_removing devices: for every device
// slot whose control QHD is marked is_removing, it clears is_removing,
// frees all QHDs and qTDs in that device's pools, and reports the device
// through OnUnplugged. A bulk/interrupt QHD marked is_removing on its own
// is not looked at.
//
// This scans the per-device control QHD array directly rather than
// walking the async list: pipe_control_close unlinks a removing QHD from
// the list (list_remove_qhd) when it marks it, so by the time
// ASYNC_ADVANCE fires the QHD is no longer reachable from the list head.
// The close paths do not ring the doorbell themselves; portChange rings
// it on a disconnect.
func (h *Handler) asyncAdvance() {
	for devAddr := uint8(1); devAddr <= desc.HostDeviceMax; devAddr++ {
		addr := h.Pool.ControlQHD(devAddr)
		m := h.Pool.Meta(addr)

		if !m.IsRemoving {
			continue
		}

		m.IsRemoving = false

		h.Pool.ReleaseSlot(devAddr)

		if h.OnUnplugged != nil {
			h.OnUnplugged(devAddr)
		}
	}
}
