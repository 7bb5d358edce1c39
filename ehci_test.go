package ehci

import (
	"testing"
	"time"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/pipe"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()

	mem := dma.NewRegion(0xf0000000, 8*1024*1024)

	c, err := New(Config{
		Index:       0,
		Base:        0x2000,
		NumPorts:    1,
		NXP:         true,
		Mem:         mem,
		StepTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return c
}

func TestNewWiresAsyncHeadSelfLink(t *testing.T) {
	c := newTestController(t)

	head := c.pool.ReadQHD(c.pool.AsyncHead())

	if head.LinkAddr() != c.pool.AsyncHead() {
		t.Fatalf("expected async head to self-link, got %#x", head.LinkAddr())
	}

	if !head.Halted() {
		t.Fatal("expected async head overlay to be permanently halted")
	}
}

func TestNewRejectsMissingMemory(t *testing.T) {
	if _, err := New(Config{Index: 0, Base: 0x2000, NumPorts: 1}); err == nil {
		t.Fatal("expected an error when no DMA region is configured")
	}
}

func TestPipeControlOpenAndXferRoundTrip(t *testing.T) {
	c := newTestController(t)

	if err := c.PipeControlOpen(1, 64, pipe.DeviceInfo{Speed: desc.SpeedHigh}); err != nil {
		t.Fatalf("PipeControlOpen: %v", err)
	}

	req := pipe.SetupRequest{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 8}

	if _, err := c.PipeControlXfer(1, req, make([]byte, 8)); err != nil {
		t.Fatalf("PipeControlXfer: %v", err)
	}
}

func TestDevicesEmptyBeforeEnumeration(t *testing.T) {
	c := newTestController(t)

	if devices := c.Devices(); len(devices) != 0 {
		t.Fatalf("expected no configured devices, got %d", len(devices))
	}
}
