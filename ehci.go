// EHCI host controller driver
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ehci implements a USB 2.0 Enhanced Host Controller Interface
// driver for TamaGo bare-metal targets: it wires the Register/Memory
// Interface, Descriptor Layer, List Manager, Pipe Engine, Interrupt
// Handler, Enumeration State Machine, and Stack Shim components into one
// Controller (spec §1 OVERVIEW, §6 EXTERNAL INTERFACES).
package ehci

import (
	"context"
	"time"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/enum"
	"github.com/usbarmory/ehci/hw"
	"github.com/usbarmory/ehci/isr"
	"github.com/usbarmory/ehci/pipe"
	"github.com/usbarmory/ehci/sched"
	"github.com/usbarmory/ehci/usbh"
)

// Config configures a Controller (spec §6 "hcd_init").
type Config struct {
	// Index identifies the controller instance (for logging only).
	Index int
	// Base is the operational register base address.
	Base uint32
	// NumPorts is the number of implemented root hub ports.
	NumPorts int
	// NXP selects the i.MX-variant interrupt-enable bits.
	NXP bool

	// Mem is the DMA-visible memory region QHDs, qTDs, the periodic
	// framelist, and transfer buffers are allocated from.
	Mem *dma.Region

	// QueueDepth bounds the Enumeration State Machine's pending
	// port-attach event queue; 0 selects a default of 4.
	QueueDepth int
	// StepTimeout bounds every control transfer of the enumeration
	// sequence; 0 selects enum.DefaultStepTimeout.
	StepTimeout time.Duration

	// Callbacks are the upward notifications a host stack registers
	// before calling New (spec §4.G).
	Callbacks usbh.Callbacks
}

// Controller is a fully wired EHCI host controller instance.
type Controller struct {
	hw        *hw.Controller
	mem       *dma.Region
	pool      *desc.Pool
	list      *sched.List
	framelist *sched.Framelist
	engine    *pipe.Engine
	handler   *isr.Handler
	machine   *enum.Machine
	shim      *usbh.Shim

	periodicHead uint32

	cancel context.CancelFunc
}

// New wires and initializes a Controller (spec §6 "hcd_init"): it builds
// the descriptor pool, async and periodic lists, pipe engine, interrupt
// handler, enumeration state machine, and stack shim, then programs the
// controller's operational registers and powers its ports.
func New(cfg Config) (*Controller, error) {
	if cfg.Mem == nil || cfg.Base == 0 || cfg.NumPorts == 0 {
		return nil, wrap("New", pipe.ErrInvalidParameter)
	}

	queueDepth := cfg.QueueDepth
	if queueDepth == 0 {
		queueDepth = 4
	}

	pool := desc.NewPool(cfg.Mem)

	// Self-link the permanently-pinned async list head QHD (invariant
	// 1): its own address was only assigned inside NewPool's
	// allocation, so the link word is completed here.
	head := pool.ReadQHD(pool.AsyncHead())
	head.SetLink(pool.AsyncHead(), desc.LinkTypeQHD)
	pool.WriteQHD(pool.AsyncHead(), head)

	periodicHead := cfg.Mem.Alloc(make([]byte, desc.QHDSize), hw.QHDAlign)
	ph := &desc.QHD{}
	ph.Init(desc.Endpoint{HeadOfList: true})
	ph.SetLink(periodicHead, desc.LinkTypeQHD)
	pool.WriteQHD(periodicHead, ph)

	list := sched.New(cfg.Mem, pool)
	framelist := sched.NewFramelist(cfg.Mem, periodicHead)
	engine := pipe.New(cfg.Mem, pool, list, periodicHead)
	machine := enum.New(cfg.Mem, pool, engine, queueDepth)

	if cfg.StepTimeout != 0 {
		machine.StepTimeout = cfg.StepTimeout
	}

	machine.RegisterClass(enum.HIDClass, enum.InstallHID)

	shim := usbh.New(machine, cfg.Callbacks)

	hwc := &hw.Controller{Index: cfg.Index, Base: cfg.Base, NumPorts: cfg.NumPorts, NXP: cfg.NXP}
	hwc.Init()

	handler := &isr.Handler{
		HW:           hwc,
		Pool:         pool,
		PeriodicHead: periodicHead,
		OnCompletion: shim.HandleCompletion,
		OnPortChange: shim.HandlePortChange,
		OnUnplugged:  shim.HandleUnplugged,
	}

	if err := hwc.ControllerInit(pool.AsyncHead(), framelist.Addr()); err != nil {
		return nil, wrap("ControllerInit", err)
	}

	return &Controller{
		hw:           hwc,
		mem:          cfg.Mem,
		pool:         pool,
		list:         list,
		framelist:    framelist,
		engine:       engine,
		handler:      handler,
		machine:      machine,
		shim:         shim,
		periodicHead: periodicHead,
	}, nil
}

// Run starts the Enumeration State Machine's goroutine (spec §4.F "a
// dedicated task"). Stop cancels it.
func (c *Controller) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.machine.Run(ctx)
}

// Stop cancels the Enumeration State Machine goroutine started by Run.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// ISR services a pending interrupt (spec §6 "hcd_isr"→ISR). It must be
// called from the platform's interrupt vector, never as a goroutine:
// the Interrupt Handler is non-reentrant per controller and never
// blocks.
func (c *Controller) ISR() {
	c.handler.ISR()
}

// PortReset implements hcd_port_reset (spec §6).
func (c *Controller) PortReset(port int) {
	c.hw.PortReset(port)
}

// PortConnectStatus implements hcd_port_connect_status (spec §6).
func (c *Controller) PortConnectStatus(port int) bool {
	return c.hw.PortConnectStatus(port)
}

// ControllerReset implements hcd_controller_reset (spec §6).
func (c *Controller) ControllerReset() error {
	return wrap("ControllerReset", c.hw.ControllerReset())
}

// ControllerStop implements hcd_controller_stop (spec §6).
func (c *Controller) ControllerStop() error {
	return wrap("ControllerStop", c.hw.ControllerStop())
}

// PipeControlOpen implements pipe_control_open (spec §6).
func (c *Controller) PipeControlOpen(devAddr uint8, maxPacketSize uint16, info pipe.DeviceInfo) error {
	return wrap("PipeControlOpen", c.engine.ControlOpen(devAddr, maxPacketSize, info))
}

// PipeControlXfer implements pipe_control_xfer (spec §6). It returns the
// DMA address of the data stage buffer, as pipe.Engine.ControlXfer does.
func (c *Controller) PipeControlXfer(devAddr uint8, req pipe.SetupRequest, data []byte) (uint32, error) {
	addr, err := c.engine.ControlXfer(devAddr, req, data)
	return addr, wrap("PipeControlXfer", err)
}

// PipeOpen implements pipe_open (spec §6).
func (c *Controller) PipeOpen(devAddr uint8, ep desc.Endpoint, typ pipe.TransferType, dirIn bool, classCode uint8, info pipe.DeviceInfo) (pipe.Handle, error) {
	h, err := c.engine.Open(devAddr, ep, typ, dirIn, classCode, info)
	return h, wrap("PipeOpen", err)
}

// PipeXfer implements pipe_xfer (spec §6).
func (c *Controller) PipeXfer(h pipe.Handle, qhdAddr uint32, buffer []byte, ioc bool) error {
	return wrap("PipeXfer", c.engine.Xfer(h, qhdAddr, buffer, ioc))
}

// PipeClose implements pipe_close (spec §6).
func (c *Controller) PipeClose(h pipe.Handle, qhdAddr uint32) error {
	return wrap("PipeClose", c.engine.Close(h, qhdAddr))
}

// Devices returns the current device table (spec §3 "usbh_devices[]").
func (c *Controller) Devices() []usbh.DeviceEntry {
	return c.shim.Devices()
}

// Device returns one device table row by address.
func (c *Controller) Device(addr uint8) usbh.DeviceEntry {
	return c.shim.Device(addr)
}
