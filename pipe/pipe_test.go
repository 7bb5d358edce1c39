package pipe

import (
	"testing"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/sched"
)

func newTestEngine() (*Engine, *desc.Pool) {
	mem := dma.NewRegion(0xb0000000, 8*1024*1024)
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

	return New(mem, pool, list, periodicHead), pool
}

func TestControlOpenAddressZeroReusesAsyncHead(t *testing.T) {
	e, pool := newTestEngine()

	if err := e.ControlOpen(0, 8, DeviceInfo{}); err != nil {
		t.Fatalf("ControlOpen: %v", err)
	}

	q := pool.ReadQHD(pool.AsyncHead())

	if !q.HeadOfList() {
		t.Fatal("expected async head to remain head-of-list after ControlOpen(0)")
	}

	if !q.Halted() {
		t.Fatal("expected async head overlay to remain permanently halted after ControlOpen(0)")
	}
}

func TestControlOpenNonZeroInsertsIntoAsyncList(t *testing.T) {
	e, pool := newTestEngine()

	if err := e.ControlOpen(0, 8, DeviceInfo{}); err != nil {
		t.Fatalf("ControlOpen(0): %v", err)
	}

	if err := e.ControlOpen(1, 64, DeviceInfo{Speed: desc.SpeedHigh}); err != nil {
		t.Fatalf("ControlOpen(1): %v", err)
	}

	head := pool.ReadQHD(pool.AsyncHead())

	if head.LinkAddr() != pool.ControlQHD(1) {
		t.Fatalf("expected async head to link to dev1's control QHD, got %#x", head.LinkAddr())
	}
}

// TestControlXferThreePhaseChainNoData exercises property #3: a
// zero-length control transfer lays out SETUP->STATUS with the STATUS
// phase IN (opposite of an OUT-only request) and IOC set on the last qTD.
func TestControlXferThreePhaseChainNoData(t *testing.T) {
	e, pool := newTestEngine()
	e.ControlOpen(1, 64, DeviceInfo{Speed: desc.SpeedHigh})

	req := SetupRequest{RequestType: 0x00, Request: 5, Value: 1} // SET_ADDRESS, host->device
	if _, err := e.ControlXfer(1, req, nil); err != nil {
		t.Fatalf("ControlXfer: %v", err)
	}

	qhdAddr := pool.ControlQHD(1)
	qhd := pool.ReadQHD(qhdAddr)

	setup := pool.ReadQTD(qhd.Overlay.Next)

	if bitsGetPID(setup) != desc.PIDSetup {
		t.Fatalf("expected SETUP phase PID, got %d", bitsGetPID(setup))
	}

	status := pool.ReadQTD(setup.Next)

	if bitsGetPID(status) != desc.PIDIn {
		t.Fatalf("expected STATUS phase to be IN for an OUT-only request, got PID %d", bitsGetPID(status))
	}

	if !status.IOC() {
		t.Fatal("expected STATUS qTD to carry interrupt-on-complete")
	}

	if status.Next != 1 {
		t.Fatalf("expected STATUS qTD to terminate the chain, got next=%#x", status.Next)
	}
}

// TestControlXferThreePhaseChainWithData exercises the SETUP->DATA->STATUS
// layout and checks that STATUS direction is the inverse of DATA.
func TestControlXferThreePhaseChainWithData(t *testing.T) {
	e, pool := newTestEngine()
	e.ControlOpen(1, 64, DeviceInfo{Speed: desc.SpeedHigh})

	req := SetupRequest{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 8} // GET_DESCRIPTOR, device->host
	if _, err := e.ControlXfer(1, req, make([]byte, 8)); err != nil {
		t.Fatalf("ControlXfer: %v", err)
	}

	qhd := pool.ReadQHD(pool.ControlQHD(1))
	setup := pool.ReadQTD(qhd.Overlay.Next)
	data := pool.ReadQTD(setup.Next)
	status := pool.ReadQTD(data.Next)

	if bitsGetPID(data) != desc.PIDIn {
		t.Fatalf("expected DATA phase IN for a device->host request, got %d", bitsGetPID(data))
	}

	if bitsGetPID(status) != desc.PIDOut {
		t.Fatalf("expected STATUS phase OUT (opposite of DATA), got %d", bitsGetPID(status))
	}

	if status.Next != 1 {
		t.Fatal("expected STATUS qTD to terminate the chain")
	}
}

// TestQTDBufferPageChaining exercises property #4: buffer[i] continues at
// the next 4 KiB page boundary from buffer[i-1].
func TestQTDBufferPageChaining(t *testing.T) {
	e, pool := newTestEngine()
	e.ControlOpen(1, 64, DeviceInfo{Speed: desc.SpeedHigh})

	if _, err := e.ControlXfer(1, SetupRequest{RequestType: 0x80, Request: 6, Length: 18}, make([]byte, 18)); err != nil {
		t.Fatalf("ControlXfer: %v", err)
	}

	qhd := pool.ReadQHD(pool.ControlQHD(1))
	setup := pool.ReadQTD(qhd.Overlay.Next)
	data := pool.ReadQTD(setup.Next)

	for i := 1; i < desc.QTDPages; i++ {
		want := (data.Buffer[i-1] &^ 0xfff) + 0x1000
		if data.Buffer[i] != want {
			t.Fatalf("buffer[%d] = %#x, want %#x", i, data.Buffer[i], want)
		}
	}
}

func TestOpenRejectsIsochronous(t *testing.T) {
	e, _ := newTestEngine()

	_, err := e.Open(1, desc.Endpoint{}, Isochronous, true, 0, DeviceInfo{Speed: desc.SpeedHigh})

	if err == nil {
		t.Fatal("expected error opening an isochronous pipe")
	}
}

func TestOpenRejectsControl(t *testing.T) {
	e, _ := newTestEngine()

	_, err := e.Open(1, desc.Endpoint{}, Control, true, 0, DeviceInfo{})

	if err == nil {
		t.Fatal("expected error opening a control pipe via Open")
	}
}

// TestXferHighSpeedBulkOutAssertsPing exercises property #6.
func TestXferHighSpeedBulkOutAssertsPing(t *testing.T) {
	e, pool := newTestEngine()

	h, err := e.Open(1, desc.Endpoint{EndpointNum: 2, MaxPacketLen: 512}, Bulk, false, 0x03, DeviceInfo{Speed: desc.SpeedHigh})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	qhdAddr := pool.QHDAddr(1, h.Index)

	if err := e.Xfer(h, qhdAddr, make([]byte, 512), true); err != nil {
		t.Fatalf("Xfer: %v", err)
	}

	qhd := pool.ReadQHD(qhdAddr)
	qtd := pool.ReadQTD(qhd.Overlay.Next)

	if !bitsPingSet(qtd) {
		t.Fatal("expected PING bit asserted for high-speed bulk OUT")
	}
}

func TestXferAppendsToTail(t *testing.T) {
	e, pool := newTestEngine()

	h, err := e.Open(1, desc.Endpoint{EndpointNum: 2, MaxPacketLen: 512}, Bulk, true, 0x03, DeviceInfo{Speed: desc.SpeedHigh})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	qhdAddr := pool.QHDAddr(1, h.Index)

	if err := e.Xfer(h, qhdAddr, make([]byte, 64), false); err != nil {
		t.Fatalf("Xfer 1: %v", err)
	}

	if err := e.Xfer(h, qhdAddr, make([]byte, 64), true); err != nil {
		t.Fatalf("Xfer 2: %v", err)
	}

	qhd := pool.ReadQHD(qhdAddr)
	first := pool.ReadQTD(qhd.Overlay.Next)

	if first.Next == 1 {
		t.Fatal("expected first qTD to chain to the second, found terminated")
	}

	second := pool.ReadQTD(first.Next)

	if !second.IOC() {
		t.Fatal("expected second (tail) qTD to carry interrupt-on-complete")
	}
}

func TestCloseUnlinksQHD(t *testing.T) {
	e, pool := newTestEngine()

	h, err := e.Open(1, desc.Endpoint{EndpointNum: 2, MaxPacketLen: 512}, Bulk, true, 0x03, DeviceInfo{Speed: desc.SpeedHigh})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	qhdAddr := pool.QHDAddr(1, h.Index)

	if err := e.Close(h, qhdAddr); err != nil {
		t.Fatalf("Close: %v", err)
	}

	head := pool.ReadQHD(pool.AsyncHead())

	if head.LinkAddr() == qhdAddr {
		t.Fatal("expected closed QHD to be unlinked from the async list")
	}
}

func bitsGetPID(q *desc.QTD) int {
	return int((q.Token >> desc.TokenPID) & 0b11)
}

func bitsPingSet(q *desc.QTD) bool {
	return q.Token&1 == 1
}
