// EHCI enumeration state machine
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package enum implements the Enumeration State Machine (spec §4.F): a
// dedicated goroutine that, for each port-attach event, drives the
// standard USB enumeration sequence over the address-0 and addressed
// control pipes and parses the resulting descriptor tree.
package enum

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/isr"
	"github.com/usbarmory/ehci/pipe"
)

// Errors the state machine reports via OnMountFailed.
var (
	ErrTimeout    = fmt.Errorf("enum: control-completion timeout")
	ErrXferError  = fmt.Errorf("enum: control transfer error")
	ErrNoFreeSlot = fmt.Errorf("enum: no free device slot")
)

// Standard control request codes and types the enumeration sequence
// issues (USB 2.0 Table 9-3/9-4).
const (
	reqGetDescriptor    = 6
	reqSetAddress       = 5
	reqSetConfiguration = 9

	reqTypeDeviceToHostStandardDevice = 0x80
	reqTypeHostToDeviceStandardDevice = 0x00
)

// DefaultStepTimeout bounds each control transfer of the enumeration
// sequence (spec §4.F "per-step timeout").
const DefaultStepTimeout = 500 * time.Millisecond

// State is a device table entry's lifecycle state (spec §3 Data Model).
type State int

const (
	Unplug State = iota
	Addressed
	Configured
	// Mounted is named by the data model but is never set by the
	// enumeration sequence itself (spec §8 scenario 1 ends in
	// Configured); it is reserved for a class driver task that mounts
	// further state on top of a configured device.
	Mounted
)

func (s State) String() string {
	switch s {
	case Unplug:
		return "UNPLUG"
	case Addressed:
		return "ADDRESSED"
	case Configured:
		return "CONFIGURED"
	case Mounted:
		return "MOUNTED"
	default:
		return "UNKNOWN"
	}
}

// Event is the port-attach event the Interrupt Handler posts into the
// enumeration queue (spec §4.F "enumerate_t").
type Event struct {
	CoreID  int
	HubAddr uint8
	HubPort uint8
	Speed   uint8
}

// DeviceEntry is one device table row (spec §3 Data Model).
type DeviceEntry struct {
	State   State
	Speed   uint8
	CoreID  int
	HubAddr uint8
	HubPort uint8
	Address uint8

	VendorID           uint16
	ProductID          uint16
	ConfigureCount     uint8
	InterfaceCount     uint8
	FlagSupportedClass uint8

	// controlSem is the control-completion semaphore (spec §5): the ISR
	// sends a non-blocking, single-slot signal here when a control
	// transfer addressed to this slot completes or errors.
	controlSem chan error
}

// ClassInstaller recognizes and installs a device class found during the
// configuration descriptor walk (spec §4.F step 7). It consumes the
// descriptor range following the interface descriptor (class-specific
// and endpoint descriptors up to the next interface) and reports the
// class flag bit to OR into flag_supported_class.
type ClassInstaller func(iface *InterfaceDescriptor, rangeBytes []byte) (consumed int, flag uint8, ok bool)

// Machine implements the Enumeration State Machine over one controller's
// Pipe Engine. Only one enumeration is ever in progress at a time
// (invariant 6), since Run processes events serially off a single queue.
type Machine struct {
	mem    *dma.Region
	pool   *desc.Pool
	engine *pipe.Engine

	events chan Event

	devices [desc.HostDeviceMax + 1]*DeviceEntry

	installers map[uint8]ClassInstaller

	// StepTimeout bounds every individual control transfer issued during
	// enumeration; the zero value selects DefaultStepTimeout.
	StepTimeout time.Duration

	// OnAttached implements device_attached (spec §4.G): called once the
	// full device descriptor has been read, it returns the configuration
	// index the caller wishes to install.
	OnAttached func(devAddr uint8, dev *DeviceDescriptor) (configIndex int)

	// OnMountSucceed and OnMountFailed implement device_mount_succeed/
	// device_mount_failed (spec §4.G).
	OnMountSucceed func(devAddr uint8)
	OnMountFailed  func(devAddr uint8, err error)
}

// New creates an Enumeration State Machine. queueDepth bounds the number
// of pending port-attach events (spec §4.F "a queue").
func New(mem *dma.Region, pool *desc.Pool, engine *pipe.Engine, queueDepth int) *Machine {
	m := &Machine{
		mem:        mem,
		pool:       pool,
		engine:     engine,
		events:     make(chan Event, queueDepth),
		installers: make(map[uint8]ClassInstaller),
	}

	for i := range m.devices {
		m.devices[i] = &DeviceEntry{State: Unplug, Address: uint8(i)}
	}

	return m
}

// RegisterClass installs the recognizer for a USB interface class code
// (spec §4.F step 7 "recognized class"; the minimum profile recognizes
// HID, installed via class_hid.go's InstallHID).
func (m *Machine) RegisterClass(classCode uint8, installer ClassInstaller) {
	m.installers[classCode] = installer
}

// Device returns a snapshot of one device table row (spec §3 Data
// Model). addr 0 is the transient address-0 slot.
func (m *Machine) Device(addr uint8) DeviceEntry {
	if int(addr) >= len(m.devices) {
		return DeviceEntry{State: Unplug, Address: addr}
	}

	return *m.devices[addr]
}

// Devices returns a snapshot of every non-UNPLUG device table row at
// addresses 1..desc.HostDeviceMax, ordered by address (spec §7
// SUPPLEMENTED FEATURES: cmd/ehcictl's device table listing). The
// transient address-0 slot is never included.
func (m *Machine) Devices() []DeviceEntry {
	var out []DeviceEntry

	for i := 1; i <= desc.HostDeviceMax; i++ {
		if m.devices[i].State != Unplug {
			out = append(out, *m.devices[i])
		}
	}

	return out
}

// Enqueue posts a port-attach event (device_plugged_isr, spec §4.G). It
// never blocks: callers invoking this from interrupt context (the ISR
// never blocks, spec §5) get a dropped event rather than a stall if the
// queue is momentarily full.
func (m *Machine) Enqueue(e Event) {
	select {
	case m.events <- e:
	default:
		log.Printf("enum: event queue full, dropping attach on core %d port %d", e.CoreID, e.HubPort)
	}
}

// Run processes queued attach events until ctx is canceled. It must run
// as its own goroutine (spec §4.F "a dedicated task").
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.enumerate(ev)
		}
	}
}

// HandleCompletion is registered as an isr.Handler's OnCompletion callback
// (or chained behind the Stack Shim's dispatcher); it routes control-pipe
// completions to the waiting enumeration step, ignoring bulk/interrupt
// completions which belong to the class driver layer.
func (m *Machine) HandleCompletion(h isr.Handle, classCode uint8, event isr.Event) {
	if !h.Control {
		return
	}

	dev := m.deviceAt(h.DevAddr)

	if dev == nil || dev.controlSem == nil {
		return
	}

	var err error

	if event == isr.XferError {
		err = ErrXferError
	}

	select {
	case dev.controlSem <- err:
	default:
	}
}

func (m *Machine) deviceAt(addr uint8) *DeviceEntry {
	if int(addr) >= len(m.devices) {
		return nil
	}

	return m.devices[addr]
}

func (m *Machine) stepTimeout() time.Duration {
	if m.StepTimeout > 0 {
		return m.StepTimeout
	}

	return DefaultStepTimeout
}

// await blocks on dev's control-completion semaphore for at most one
// step timeout; on success it reads back the data stage's DMA buffer (if
// any) into out.
func (m *Machine) await(dev *DeviceEntry, dataAddr uint32, out []byte) error {
	timer := time.NewTimer(m.stepTimeout())
	defer timer.Stop()

	select {
	case err := <-dev.controlSem:
		if err != nil {
			return err
		}
	case <-timer.C:
		return ErrTimeout
	}

	if dataAddr != 0 && len(out) > 0 {
		m.mem.Read(dataAddr, 0, out)
	}

	return nil
}

func getDescriptorRequest(descType uint8, index uint8, length uint16) pipe.SetupRequest {
	return pipe.SetupRequest{
		RequestType: reqTypeDeviceToHostStandardDevice,
		Request:     reqGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Length:      length,
	}
}

// nextFreeSlot returns the first index ≥1 with state UNPLUG (spec §4.F
// step 3).
func (m *Machine) nextFreeSlot() (uint8, bool) {
	for i := 1; i <= desc.HostDeviceMax; i++ {
		if m.devices[i].State == Unplug {
			return uint8(i), true
		}
	}

	return 0, false
}

// mountFailed implements the common failure path: close the transient
// control pipe, return the slot to UNPLUG, and report device_mount_failed
// (spec §4.F "any step's timeout cancels the enumeration, closes
// transient pipes, and calls device_mount_failed").
func (m *Machine) mountFailed(addr uint8, err error) {
	if addr != 0 {
		m.engine.ControlClose(addr)

		if dev := m.devices[addr]; dev != nil {
			dev.State = Unplug
		}
	}

	log.Printf("enum: mount failed for device %d: %v", addr, err)

	if m.OnMountFailed != nil {
		m.OnMountFailed(addr, err)
	}
}

// enumerate drives the eight-step sequence of spec §4.F for a single
// port-attach event.
func (m *Machine) enumerate(ev Event) {
	addr0 := m.devices[0]
	addr0.Speed = ev.Speed
	addr0.CoreID = ev.CoreID
	addr0.HubAddr = ev.HubAddr
	addr0.HubPort = ev.HubPort
	addr0.controlSem = make(chan error, 1)

	info := pipe.DeviceInfo{Speed: ev.Speed, HubAddr: ev.HubAddr, HubPort: ev.HubPort}

	// Step 1: attach at address 0.
	if err := m.engine.ControlOpen(0, 8, info); err != nil {
		m.mountFailed(0, err)
		return
	}

	// Step 2: get 8-byte device descriptor.
	partial := make([]byte, 8)

	dataAddr, err := m.engine.ControlXfer(0, getDescriptorRequest(DescriptorDevice, 0, 8), partial)
	if err != nil {
		m.mountFailed(0, err)
		return
	}

	if err := m.await(addr0, dataAddr, partial); err != nil {
		// Per spec: leave slot 0 ADDRESSED and abort rather than the
		// generic close-and-UNPLUG failure path.
		addr0.State = Addressed
		log.Printf("enum: device did not respond to GET_DESCRIPTOR(device,8): %v", err)

		if m.OnMountFailed != nil {
			m.OnMountFailed(0, err)
		}

		return
	}

	maxPacketSize0 := partial[7]
	if maxPacketSize0 == 0 {
		maxPacketSize0 = 8
	}

	// Step 3: set address to the next free slot.
	k, ok := m.nextFreeSlot()
	if !ok {
		m.mountFailed(0, ErrNoFreeSlot)
		return
	}

	addr0.State = Unplug

	dev := m.devices[k]
	dev.State = Addressed
	dev.Speed = ev.Speed
	dev.CoreID = ev.CoreID
	dev.HubAddr = ev.HubAddr
	dev.HubPort = ev.HubPort
	dev.Address = k
	dev.controlSem = make(chan error, 1)

	setAddr := pipe.SetupRequest{RequestType: reqTypeHostToDeviceStandardDevice, Request: reqSetAddress, Value: uint16(k)}

	if _, err := m.engine.ControlXfer(0, setAddr, nil); err != nil {
		m.mountFailed(k, err)
		return
	}

	if err := m.await(addr0, 0, nil); err != nil {
		m.mountFailed(k, err)
		return
	}

	m.engine.ControlClose(0)

	// Step 4: open control pipe at k.
	if err := m.engine.ControlOpen(k, uint16(maxPacketSize0), info); err != nil {
		m.mountFailed(k, err)
		return
	}

	// Step 5: get full (18-byte) device descriptor.
	full := make([]byte, DeviceDescriptorLength)

	dataAddr, err = m.engine.ControlXfer(k, getDescriptorRequest(DescriptorDevice, 0, DeviceDescriptorLength), full)
	if err != nil {
		m.mountFailed(k, err)
		return
	}

	if err := m.await(dev, dataAddr, full); err != nil {
		m.mountFailed(k, err)
		return
	}

	devDesc, err := ParseDeviceDescriptor(full)
	if err != nil {
		m.mountFailed(k, err)
		return
	}

	dev.VendorID = devDesc.VendorID
	dev.ProductID = devDesc.ProductID
	dev.ConfigureCount = devDesc.NumConfigurations

	configIndex := 0

	if m.OnAttached != nil {
		configIndex = m.OnAttached(k, devDesc)
	}

	// Step 6: get 9-byte configuration descriptor header.
	cfgHdr9 := make([]byte, ConfigurationDescriptorLength)

	dataAddr, err = m.engine.ControlXfer(k, getDescriptorRequest(DescriptorConfiguration, uint8(configIndex), ConfigurationDescriptorLength), cfgHdr9)
	if err != nil {
		m.mountFailed(k, err)
		return
	}

	if err := m.await(dev, dataAddr, cfgHdr9); err != nil {
		m.mountFailed(k, err)
		return
	}

	cfgHdr, err := ParseConfigurationDescriptor(cfgHdr9)
	if err != nil {
		m.mountFailed(k, err)
		return
	}

	dev.InterfaceCount = cfgHdr.NumInterfaces

	// Step 7: get the full configuration descriptor tree.
	cfgFull := make([]byte, cfgHdr.TotalLength)

	dataAddr, err = m.engine.ControlXfer(k, getDescriptorRequest(DescriptorConfiguration, uint8(configIndex), cfgHdr.TotalLength), cfgFull)
	if err != nil {
		m.mountFailed(k, err)
		return
	}

	if err := m.await(dev, dataAddr, cfgFull); err != nil {
		m.mountFailed(k, err)
		return
	}

	if int(cfgHdr9[0]) <= len(cfgFull) {
		m.installClasses(dev, cfgFull[cfgHdr9[0]:])
	}

	// Step 8: set configuration.
	setCfg := pipe.SetupRequest{RequestType: reqTypeHostToDeviceStandardDevice, Request: reqSetConfiguration, Value: uint16(cfgHdr.ConfigurationValue)}

	if _, err := m.engine.ControlXfer(k, setCfg, nil); err != nil {
		m.mountFailed(k, err)
		return
	}

	if err := m.await(dev, 0, nil); err != nil {
		m.mountFailed(k, err)
		return
	}

	dev.State = Configured

	log.Printf("enum: device %d configured (vid=%#04x pid=%#04x ifaces=%d)", k, dev.VendorID, dev.ProductID, dev.InterfaceCount)

	if m.OnMountSucceed != nil {
		m.OnMountSucceed(k)
	}
}

// installClasses walks the interface/endpoint portion of a configuration
// descriptor tree, grouping each interface descriptor with the
// class-specific and endpoint descriptors that follow it, and offering
// that range to any registered class installer (spec §4.F step 7).
func (m *Machine) installClasses(dev *DeviceEntry, body []byte) {
	var cur *InterfaceDescriptor
	var extra []byte

	flush := func() {
		if cur == nil {
			return
		}

		installer, ok := m.installers[cur.InterfaceClass]
		if !ok {
			return
		}

		if _, flag, ok := installer(cur, extra); ok {
			dev.FlagSupportedClass |= flag
		}
	}

	walkInterfaces(body, func(descType uint8, rec []byte) {
		if descType == DescriptorInterface {
			flush()

			iface, err := ParseInterfaceDescriptor(rec)
			if err != nil {
				cur = nil
				return
			}

			cur = iface
			extra = nil

			return
		}

		extra = append(extra, rec...)
	})

	flush()
}
