// EHCI pipe engine
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pipe implements the Pipe Engine (spec §4.D): open/close/
// transfer operations for control, bulk, and interrupt pipes, translating
// requests into qTD chains attached to their owning QHD.
package pipe

import (
	"fmt"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/sched"
)

// ErrInvalidParameter and ErrUnsupported classify pipe_open/pipe_xfer
// misuse (spec §7); the top-level ehci package maps these to
// INVALID_PARAMETER/UNSUPPORTED via errors.Is.
var (
	ErrInvalidParameter = fmt.Errorf("ehci: invalid pipe parameter")
	ErrUnsupported      = fmt.Errorf("ehci: unsupported transfer type")
)

// TransferType tags the four EHCI endpoint transfer types (DESIGN NOTES
// "Dispatch by endpoint type ... tagged variants rather than bitfields").
type TransferType int

const (
	Control TransferType = iota
	Bulk
	Interrupt
	Isochronous
)

// Handle is the opaque pipe-handle type shared with the Stack Shim (spec
// §3 "Pipe handle", §4.G): {dev_addr, xfer_type, index}.
type Handle struct {
	DevAddr uint8
	Type    TransferType
	Index   int
}

// DeviceInfo is the subset of the device table (component G) the Pipe
// Engine consults when initializing a QHD.
type DeviceInfo struct {
	Speed   uint8
	HubAddr uint8
	HubPort uint8
}

// SetupRequest is the 8-byte USB control request (USB 2.0 Table 9-2).
type SetupRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// DirectionIn reports whether the request's data/status phase reads from
// the device (bit 7 of bmRequestType).
func (r SetupRequest) DirectionIn() bool {
	return r.RequestType&0x80 != 0
}

// Marshal serializes the request to its 8-byte wire form.
func (r SetupRequest) Marshal() []byte {
	b := make([]byte, 8)
	b[0] = r.RequestType
	b[1] = r.Request
	b[2] = byte(r.Value)
	b[3] = byte(r.Value >> 8)
	b[4] = byte(r.Index)
	b[5] = byte(r.Index >> 8)
	b[6] = byte(r.Length)
	b[7] = byte(r.Length >> 8)
	return b
}

// Engine implements the Pipe Engine over a controller's memory region,
// descriptor pool, and List Manager. The qTD chain bookkeeping
// (p_qtd_list_head/tail, pid_non_control, class_code) lives in the
// descriptor pool's per-QHD metadata, since the ISR consults the same
// fields when retiring completed qTDs.
type Engine struct {
	mem          *dma.Region
	pool         *desc.Pool
	list         *sched.List
	periodicHead uint32
}

// New creates a Pipe Engine. periodicHead is the address of the
// permanently-linked periodic list head QHD that interrupt pipes chain
// behind.
func New(mem *dma.Region, pool *desc.Pool, list *sched.List, periodicHead uint32) *Engine {
	return &Engine{
		mem:          mem,
		pool:         pool,
		list:         list,
		periodicHead: periodicHead,
	}
}

// ControlOpen implements pipe_control_open(dev_addr, max_packet_size): it
// initializes the control QHD for dev_addr; if dev_addr != 0 it is
// inserted into the asynchronous list, otherwise the head-of-list QHD
// (already permanently present) is reused (invariant 5).
func (e *Engine) ControlOpen(devAddr uint8, maxPacketSize uint16, info DeviceInfo) error {
	addr := e.pool.ControlQHD(devAddr)

	q := &desc.QHD{}
	q.Init(desc.Endpoint{
		DeviceAddr:   devAddr,
		EndpointNum:  0,
		Speed:        info.Speed,
		MaxPacketLen: maxPacketSize,
		HeadOfList:   devAddr == 0,
		Control:      true,
		HubAddr:      info.HubAddr,
		HubPort:      info.HubPort,
	})

	if devAddr == 0 {
		q.Halt()
	}

	e.pool.WriteQHD(addr, q)

	if devAddr != 0 {
		e.list.Insert(e.pool.AsyncHead(), addr)
	}

	e.pool.SetMeta(addr, desc.QHDMeta{DevAddr: devAddr, Control: true})

	return nil
}

// ControlClose implements the control-pipe half of pipe_close: it marks
// the control QHD is_removing and unlinks it from the async list. Address
// 0's QHD is the permanent list head and is never unlinked.
func (e *Engine) ControlClose(devAddr uint8) error {
	addr := e.pool.ControlQHD(devAddr)

	if devAddr == 0 {
		return nil
	}

	e.pool.MarkRemoving(addr)

	return e.list.RemoveQHD(e.pool.AsyncHead(), addr)
}

// ControlXfer implements pipe_control_xfer(dev_addr, request, data): it
// lays out the three-phase control transfer (SETUP, optional DATA,
// STATUS) and attaches the chain to the owning QHD's overlay. It returns
// the DMA address of the data stage buffer (0 if the request carries no
// data stage), so a caller expecting an IN transfer can read the bytes
// the controller wrote back once the transfer has completed.
func (e *Engine) ControlXfer(devAddr uint8, req SetupRequest, data []byte) (uint32, error) {
	qhdAddr := e.pool.ControlQHD(devAddr)

	_, setupAddr, err := e.pool.AllocControlQTD(devAddr)
	if err != nil {
		return 0, err
	}

	setupBuf := e.mem.Alloc(req.Marshal(), 0)

	setup := &desc.QTD{}
	setup.Init(desc.PIDSetup, 0, false, setupBuf, 8)

	var dataAddr, dataBufAddr uint32
	statusPID := desc.PIDIn

	if len(data) > 0 {
		_, da, err := e.pool.AllocControlQTD(devAddr)
		if err != nil {
			return 0, err
		}

		dataAddr = da

		dataPID := desc.PIDOut
		if req.DirectionIn() {
			dataPID = desc.PIDIn
			statusPID = desc.PIDOut
		} else {
			statusPID = desc.PIDIn
		}

		dataBufAddr = e.mem.Alloc(data, 0)

		d := &desc.QTD{}
		d.Init(dataPID, 1, false, dataBufAddr, len(data))

		setup.Next = dataAddr
		e.pool.WriteQTD(dataAddr, d)
	}

	_, statusAddr, err := e.pool.AllocControlQTD(devAddr)
	if err != nil {
		return 0, err
	}

	status := &desc.QTD{}
	status.Init(statusPID, 1, true, 0, 0)
	status.Next = 1

	if dataAddr != 0 {
		d := e.pool.ReadQTD(dataAddr)
		d.Next = statusAddr
		e.pool.WriteQTD(dataAddr, d)
	} else {
		setup.Next = statusAddr
	}

	e.pool.WriteQTD(statusAddr, status)
	e.pool.WriteQTD(setupAddr, setup)

	qhd := e.pool.ReadQHD(qhdAddr)
	qhd.Overlay.Next = setupAddr
	qhd.Overlay.Token = 0
	e.pool.WriteQHD(qhdAddr, qhd)

	m := e.pool.Meta(qhdAddr)
	m.ListHead = setupAddr
	m.ListTail = statusAddr

	return dataBufAddr, nil
}

// Open implements pipe_open(dev_addr, endpoint_descriptor, class_code):
// bulk or interrupt only; rejects isochronous. It allocates a fresh QHD
// from the slot, initializes it from the endpoint descriptor, stores
// class_code, and inserts it into the async (bulk) or periodic
// (interrupt) list.
func (e *Engine) Open(devAddr uint8, ep desc.Endpoint, typ TransferType, dirIn bool, classCode uint8, info DeviceInfo) (Handle, error) {
	ep.DeviceAddr = devAddr
	ep.HubAddr = info.HubAddr
	ep.HubPort = info.HubPort
	ep.Speed = info.Speed

	switch typ {
	case Bulk:
		ep.Interrupt = false
	case Interrupt:
		ep.Interrupt = true
	case Control:
		return Handle{}, fmt.Errorf("%w: control pipes use ControlOpen", ErrInvalidParameter)
	default:
		// DESIGN NOTES: match exhaustively; isochronous (and any
		// future type) is explicitly unsupported rather than falling
		// through silently.
		return Handle{}, fmt.Errorf("%w: transfer type %d", ErrUnsupported, typ)
	}

	idx, addr, err := e.pool.AllocQHD(devAddr)
	if err != nil {
		return Handle{}, err
	}

	q := &desc.QHD{}
	q.Init(ep)
	e.pool.WriteQHD(addr, q)

	if typ == Bulk {
		e.list.Insert(e.pool.AsyncHead(), addr)
	} else {
		e.list.Insert(e.periodicHead, addr)
	}

	pid := desc.PIDOut
	if dirIn {
		pid = desc.PIDIn
	}

	e.pool.SetMeta(addr, desc.QHDMeta{
		DevAddr:       devAddr,
		Idx:           idx,
		ClassCode:     classCode,
		PIDNonControl: pid,
	})

	return Handle{DevAddr: devAddr, Type: typ, Index: idx}, nil
}

// Xfer implements pipe_xfer(handle, buffer, bytes, int_on_complete): it
// allocates a qTD, initializes it with active=1, cerr=3, pid from the
// QHD's pid_non_control, and appends it to the QHD's qTD tail. For
// high-speed bulk OUT, the PING bit is asserted per EHCI §4.11.
func (e *Engine) Xfer(h Handle, qhdAddr uint32, buffer []byte, ioc bool) error {
	qhd := e.pool.ReadQHD(qhdAddr)

	_, qtdAddr, err := e.pool.AllocQTD(h.DevAddr)
	if err != nil {
		return err
	}

	m := e.pool.Meta(qhdAddr)
	dir := m.PIDNonControl

	var addr uint32

	if len(buffer) > 0 {
		addr = e.mem.Alloc(buffer, 0)
	}

	// data_toggle is left at 0: DTC (data toggle control) is only set
	// for control endpoints, so the controller maintains bulk/interrupt
	// toggle state in the QHD overlay itself rather than from the qTD.
	q := &desc.QTD{}
	q.Init(dir, 0, ioc, addr, len(buffer))

	isHighSpeedBulkOut := h.Type == Bulk && dir == desc.PIDOut && qhd.Speed() == desc.SpeedHigh

	if isHighSpeedBulkOut {
		q.SetPing()
	}

	e.pool.WriteQTD(qtdAddr, q)

	if m.ListTail != 0 {
		t := e.pool.ReadQTD(m.ListTail)
		t.Next = qtdAddr
		e.pool.WriteQTD(m.ListTail, t)
	} else {
		qhd.Overlay.Next = qtdAddr
		e.pool.WriteQHD(qhdAddr, qhd)
		m.ListHead = qtdAddr
	}

	m.ListTail = qtdAddr

	return nil
}

// Close implements pipe_close(handle): it marks the QHD is_removing and
// unlinks it via the List Manager. It does not ring the async-advance
// doorbell, and the QHD's pool slot stays allocated: the ISR frees a
// device's QHD pool only as a whole, on async-advance after that
// device's control QHD has been closed, and the periodic pass frees
// nothing.
func (e *Engine) Close(h Handle, qhdAddr uint32) error {
	head := e.pool.AsyncHead()

	if h.Type == Interrupt {
		head = e.periodicHead
	}

	e.pool.MarkRemoving(qhdAddr)

	return e.list.RemoveQHD(head, qhdAddr)
}
