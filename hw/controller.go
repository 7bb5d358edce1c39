// EHCI host controller register operations
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hw

import (
	"fmt"
	"sync"
	"time"

	"github.com/usbarmory/ehci/internal/reg"
)

// ResetTimeout and StopTimeout bound controller_reset/controller_stop to
// roughly 2 USB frames, per spec.
const (
	ResetTimeout = 2 * time.Millisecond
	StopTimeout  = 2 * time.Millisecond
)

// NXP-variant interrupt-enable bits asserted in addition to the base EHCI
// set (spec §4.A: "plus NXP-variant async and periodic completion bits").
const (
	nxpAsyncCompleteBit    = 18 // UAI: USB host asynchronous interrupt
	nxpPeriodicCompleteBit = 19 // UPI: USB host periodic interrupt
)

// Controller is a typed view over one EHCI host controller's operational
// MMIO register block.
type Controller struct {
	sync.Mutex

	// Index identifies the controller instance (for logging only).
	Index int
	// Base is the operational register base address.
	Base uint32
	// NumPorts is the number of implemented root hub ports.
	NumPorts int
	// NXP selects the i.MX-variant interrupt-enable bits.
	NXP bool

	// cached register addresses
	cmd       uint32
	sts       uint32
	intr      uint32
	frindex   uint32
	ctrlds    uint32
	perbase   uint32
	asynclist uint32
	ttctrl    uint32
	config    uint32
}

// Init resolves register addresses relative to Base. It must be called
// before any other Controller method.
func (hw *Controller) Init() {
	hw.Lock()
	defer hw.Unlock()

	if hw.Base == 0 || hw.NumPorts == 0 {
		panic("hw: invalid controller instance")
	}

	hw.cmd = hw.Base + USBCMD
	hw.sts = hw.Base + USBSTS
	hw.intr = hw.Base + USBINTR
	hw.frindex = hw.Base + FRINDEX
	hw.ctrlds = hw.Base + CTRLDSSEGMENT
	hw.perbase = hw.Base + PERIODICLISTBASE
	hw.asynclist = hw.Base + ASYNCLISTADDR
	hw.ttctrl = hw.Base + TTCTRL
	hw.config = hw.Base + CONFIGFLAG
}

// ControllerInit implements spec §4.A controller_init: it clears all
// interrupt status, programs the interrupt-enable mask, installs the async
// list base (and, if non-zero, the periodic framelist base), sets the
// run/stop and async-enable bits, and powers the port.
func (hw *Controller) ControllerInit(asyncListAddr uint32, periodicListBase uint32) error {
	hw.Lock()
	defer hw.Unlock()

	// acknowledge and clear any stale status
	reg.Write(hw.sts, reg.Read(hw.sts))

	var enable uint32
	enable |= 1 << STS_INT
	enable |= 1 << STS_ERR
	enable |= 1 << STS_PCD
	enable |= 1 << STS_IAA

	if hw.NXP {
		enable |= 1 << nxpAsyncCompleteBit
		enable |= 1 << nxpPeriodicCompleteBit
	}

	reg.Write(hw.intr, enable)
	reg.Write(hw.asynclist, asyncListAddr)

	if periodicListBase != 0 {
		reg.Write(hw.perbase, periodicListBase)
		reg.Set(hw.cmd, CMD_PSE)
	}

	reg.Set(hw.cmd, CMD_ASE)
	reg.Set(hw.cmd, CMD_RS)

	for p := 1; p <= hw.NumPorts; p++ {
		reg.Set(hw.Base+PORTSC(p), PORTSC_PP)
	}

	return nil
}

// ControllerReset implements spec §4.A controller_reset: it asserts
// HCRESET and waits, up to ResetTimeout, for the controller to clear it.
func (hw *Controller) ControllerReset() error {
	hw.Lock()
	defer hw.Unlock()

	reg.Set(hw.cmd, CMD_HCRESET)

	if !reg.WaitFor(ResetTimeout, hw.cmd, CMD_HCRESET, 1, 0) {
		return fmt.Errorf("ehci: controller %d reset timeout", hw.Index)
	}

	return nil
}

// ControllerStop implements spec §4.A controller_stop: it clears the
// run/stop bit and waits, up to StopTimeout, for HCHalted to assert.
func (hw *Controller) ControllerStop() error {
	hw.Lock()
	defer hw.Unlock()

	reg.Clear(hw.cmd, CMD_RS)

	if !reg.WaitFor(StopTimeout, hw.sts, STS_HCH, 1, 1) {
		return fmt.Errorf("ehci: controller %d stop timeout", hw.Index)
	}

	return nil
}

// PortReset implements spec §4.A port_reset.
func (hw *Controller) PortReset(port int) {
	hw.Lock()
	defer hw.Unlock()

	addr := hw.Base + PORTSC(port)

	reg.Set(addr, PORTSC_PR)
	reg.Wait(addr, PORTSC_PR, 1, 0)
	reg.Set(addr, PORTSC_PE)
}

// PortConnectStatus implements spec §4.A port_connect_status.
func (hw *Controller) PortConnectStatus(port int) bool {
	hw.Lock()
	defer hw.Unlock()

	return reg.Get(hw.Base+PORTSC(port), PORTSC_CCS, 1) == 1
}

// PortSpeed returns the negotiated speed of the device on the given port.
func (hw *Controller) PortSpeed(port int) uint32 {
	hw.Lock()
	defer hw.Unlock()

	return reg.Get(hw.Base+PORTSC(port), PORTSC_PSPD, 0b11)
}

// Status returns the (enable-masked) pending interrupt status, without
// acknowledging it.
func (hw *Controller) Status() uint32 {
	return reg.Read(hw.sts) & reg.Read(hw.intr)
}

// Acknowledge writes status back to USBSTS, clearing the bits passed in
// status, and returns the read-back value (spec §4.E: "writes status back
// to acknowledge ... dispatches").
func (hw *Controller) Acknowledge(status uint32) uint32 {
	reg.Write(hw.sts, status)
	return reg.Read(hw.sts)
}

// RingDoorbell sets the interrupt-on-async-advance doorbell bit, per the
// async-advance reclaim protocol (spec §4.C, §4.E).
func (hw *Controller) RingDoorbell() {
	reg.Set(hw.cmd, CMD_IAA_D)
}

// FrameIndex returns the current microframe counter (FRINDEX).
func (hw *Controller) FrameIndex() uint32 {
	return reg.Get(hw.frindex, 0, 0x3fff)
}
