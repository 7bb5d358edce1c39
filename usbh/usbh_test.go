package usbh

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/enum"
	"github.com/usbarmory/ehci/isr"
	"github.com/usbarmory/ehci/pipe"
	"github.com/usbarmory/ehci/sched"
)

func newTestShim(t *testing.T, cb Callbacks) (*Shim, *enum.Machine) {
	t.Helper()

	mem := dma.NewRegion(0xe0000000, 4*1024*1024)
	pool := desc.NewPool(mem)
	list := sched.New(mem, pool)

	head := pool.ReadQHD(pool.AsyncHead())
	head.SetLink(pool.AsyncHead(), desc.LinkTypeQHD)
	pool.WriteQHD(pool.AsyncHead(), head)

	periodicHead := mem.Alloc(make([]byte, desc.QHDSize), 32)
	p := &desc.QHD{}
	p.Init(desc.Endpoint{HeadOfList: true})
	p.SetLink(periodicHead, desc.LinkTypeQHD)
	pool.WriteQHD(periodicHead, p)

	engine := pipe.New(mem, pool, list, periodicHead)
	machine := enum.New(mem, pool, engine, 4)
	machine.StepTimeout = 10 * time.Millisecond

	return New(machine, cb), machine
}

// TestHandlePortChangeConnectEnqueuesEnumeration exercises the connect
// path indirectly: since no fake hardware responds, the Enumeration
// State Machine's first control transfer times out, which only happens
// if HandlePortChange actually enqueued the attach event.
func TestHandlePortChangeConnectEnqueuesEnumeration(t *testing.T) {
	var failed bool

	s, machine := newTestShim(t, Callbacks{
		DeviceMountFailed: func(devAddr uint8, err error) {
			failed = true
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go machine.Run(ctx)

	s.HandlePortChange(1, true, uint32(desc.SpeedHigh))

	deadline := time.Now().Add(2 * time.Second)
	for !failed && time.Now().Before(deadline) {
		runtime.Gosched()
	}

	if !failed {
		t.Fatal("expected the enqueued attach event to be processed and time out")
	}
}

func TestHandlePortChangeDisconnectCallsUnpluggedDirectly(t *testing.T) {
	var unplugged uint8
	var called bool

	s, _ := newTestShim(t, Callbacks{
		DeviceUnpluggedISR: func(devAddr uint8) {
			called = true
			unplugged = devAddr
		},
	})

	s.HandlePortChange(3, false, 0)

	if !called || unplugged != 3 {
		t.Fatalf("expected DeviceUnpluggedISR(3), called=%v got=%d", called, unplugged)
	}
}

func TestHandleCompletionRoutesControlToMachine(t *testing.T) {
	s, _ := newTestShim(t, Callbacks{})

	// No pending control semaphore is registered for device 1; the
	// machine must silently drop the completion rather than panic.
	s.HandleCompletion(isr.Handle{DevAddr: 1, Control: true}, 0, isr.XferComplete)
}

func TestHandleCompletionRoutesNonControlToCallback(t *testing.T) {
	var gotEvent Event
	var gotHandle pipe.Handle
	var called bool

	s, _ := newTestShim(t, Callbacks{
		OnCompletion: func(h pipe.Handle, classCode uint8, event Event) {
			called = true
			gotHandle = h
			gotEvent = event
		},
	})

	s.HandleCompletion(isr.Handle{DevAddr: 2, Control: false, Index: 3}, enum.HIDClass, isr.XferError)

	if !called {
		t.Fatal("expected OnCompletion to be invoked")
	}

	if gotHandle.DevAddr != 2 || gotHandle.Index != 3 || gotEvent != XferError {
		t.Fatalf("unexpected adapted completion: %+v event=%d", gotHandle, gotEvent)
	}
}

func TestDevicesEmptyBeforeAnyEnumeration(t *testing.T) {
	s, _ := newTestShim(t, Callbacks{})

	if devices := s.Devices(); len(devices) != 0 {
		t.Fatalf("expected no configured devices before enumeration runs, got %d", len(devices))
	}

	if dev := s.Device(1); dev.State != Unplug {
		t.Fatalf("expected device 1 to start UNPLUG, got %v", dev.State)
	}
}
