package desc

import (
	"testing"

	"github.com/usbarmory/ehci/dma"
)

func newTestPool() *Pool {
	mem := dma.NewRegion(0x90000000, 4*1024*1024)
	return NewPool(mem)
}

func TestAsyncHeadIsHaltedAndHeadOfList(t *testing.T) {
	p := newTestPool()

	head := p.ReadQHD(p.AsyncHead())

	if !head.HeadOfList() {
		t.Fatal("expected async head to have head_list_flag set")
	}

	if !head.Halted() {
		t.Fatal("expected async head overlay to be permanently halted")
	}
}

func TestAddressZeroSharesAsyncHead(t *testing.T) {
	p := newTestPool()

	if p.ControlQHD(0) != p.AsyncHead() {
		t.Fatal("expected device slot 0 to share the async list head QHD")
	}
}

func TestQHDPoolExhaustion(t *testing.T) {
	p := newTestPool()

	for i := 0; i < MaxQHD; i++ {
		if _, _, err := p.AllocQHD(1); err != nil {
			t.Fatalf("unexpected error allocating QHD %d: %v", i, err)
		}
	}

	if _, _, err := p.AllocQHD(1); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestFreeQHDMakesSlotReusable(t *testing.T) {
	p := newTestPool()

	idx, addr, err := p.AllocQHD(1)

	if err != nil {
		t.Fatalf("AllocQHD: %v", err)
	}

	p.FreeQHD(1, idx)

	idx2, addr2, err := p.AllocQHD(1)

	if err != nil {
		t.Fatalf("AllocQHD after free: %v", err)
	}

	if idx2 != idx || addr2 != addr {
		t.Fatalf("expected freed slot to be reused, got idx %d addr %#x", idx2, addr2)
	}
}

func TestReleaseSlotFreesEverything(t *testing.T) {
	p := newTestPool()

	p.AllocQHD(2)
	p.AllocQTD(2)
	p.AllocControlQTD(2)

	p.ReleaseSlot(2)

	if _, _, err := p.AllocQHD(2); err != nil {
		t.Fatalf("expected QHD pool to be fully free after release: %v", err)
	}
}

func TestQHDRoundTripPreservesFields(t *testing.T) {
	p := newTestPool()

	_, addr, _ := p.AllocQHD(3)

	q := &QHD{}
	q.Init(Endpoint{DeviceAddr: 3, EndpointNum: 2, Speed: SpeedHigh, MaxPacketLen: 512})
	p.WriteQHD(addr, q)

	got := p.ReadQHD(addr)

	if got.DeviceAddr() != 3 || got.EndpointNum() != 2 {
		t.Fatalf("round trip mismatch: addr=%d ep=%d", got.DeviceAddr(), got.EndpointNum())
	}
}
