package enum

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
	"github.com/usbarmory/ehci/pipe"
	"github.com/usbarmory/ehci/sched"
)

func newTestMachine(t *testing.T) (*Machine, *desc.Pool, *dma.Region) {
	t.Helper()

	mem := dma.NewRegion(0xd0000000, 8*1024*1024)
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
	m := New(mem, pool, engine, 4)
	m.StepTimeout = 200 * time.Millisecond
	m.RegisterClass(HIDClass, InstallHID)

	return m, pool, mem
}

// respondTo waits for devAddr's control pipe to carry a pending
// transfer, writes resp into its data stage (if any), advances the QHD
// overlay past the chain, returns the chain's control qTDs to the pool
// and signals completion. It stands in for the controller's DMA
// write-back and for the Interrupt Handler's completion handling,
// exercised from the isr package in production.
func respondTo(t *testing.T, m *Machine, pool *desc.Pool, mem *dma.Region, devAddr uint8, resp []byte) {
	t.Helper()

	qhdAddr := pool.ControlQHD(devAddr)

	var setupAddr uint32

	for i := 0; i < 200000; i++ {
		qhd := pool.ReadQHD(qhdAddr)

		if qhd.Overlay.Next != 0 && qhd.Overlay.Next != 1 {
			setupAddr = qhd.Overlay.Next
			break
		}

		runtime.Gosched()
	}

	if setupAddr == 0 {
		t.Fatalf("timed out waiting for a control transfer on device %d", devAddr)
	}

	setup := pool.ReadQTD(setupAddr)

	if len(resp) > 0 && setup.Next != 1 {
		data := pool.ReadQTD(setup.Next)

		if data.Buffer[0] != 0 {
			mem.Write(data.Buffer[0], 0, resp)
		}
	}

	qhd := pool.ReadQHD(qhdAddr)
	qhd.Overlay.Next = 1
	pool.WriteQHD(qhdAddr, qhd)

	for addr := setupAddr; addr != 1; {
		q := pool.ReadQTD(addr)
		pool.FreeControlQTDAddr(devAddr, addr)
		addr = q.Next
	}

	dev := m.deviceAt(devAddr)
	dev.controlSem <- nil
}

// Fixed HID keyboard descriptor fixture: a single configuration with one
// HID-class interface and one interrupt IN endpoint.
var deviceDescriptorFixture = []byte{
	18, 1, // bLength, bDescriptorType
	0x00, 0x02, // bcdUSB 2.00
	0, 0, 0, // class/subclass/protocol
	8,          // bMaxPacketSize0
	0x34, 0x12, // idVendor 0x1234
	0x78, 0x56, // idProduct 0x5678
	0x00, 0x01, // bcdDevice 1.00
	0, 0, 0, // manufacturer/product/serial string indices
	1, // bNumConfigurations
}

var hidInterfaceFixture = []byte{
	9, 4, // bLength, bDescriptorType (interface)
	0, 0, // bInterfaceNumber, bAlternateSetting
	1,          // bNumEndpoints
	HIDClass,   // bInterfaceClass
	1,          // bInterfaceSubClass (boot)
	1,          // bInterfaceProtocol (keyboard)
	0,          // iInterface
	9, 0x21,    // bLength, bDescriptorType (HID)
	0x11, 0x01, // bcdHID 1.11
	0,          // bCountryCode
	1,          // bNumDescriptors
	0x22,       // bDescriptorType (report)
	0x3f, 0x00, // wDescriptorLength
	7, 5, // bLength, bDescriptorType (endpoint)
	0x81, // bEndpointAddress (EP1 IN)
	3,    // bmAttributes (interrupt)
	0x08, 0x00,
	10, // bInterval
}

var configDescriptorFixture = append([]byte{
	9, 2, // bLength, bDescriptorType (configuration)
	byte(9 + len(hidInterfaceFixture)), 0, // wTotalLength
	1,    // bNumInterfaces
	1,    // bConfigurationValue
	0,    // iConfiguration
	0x80, // bmAttributes
	50,   // bMaxPower
}, hidInterfaceFixture...)

func TestEnumerateCleanAttachReachesConfigured(t *testing.T) {
	m, _, mem := newTestMachine(t)

	var attached bool
	var mountedAddr uint8
	var mounted bool

	m.OnAttached = func(devAddr uint8, dev *DeviceDescriptor) int {
		attached = true

		if dev.VendorID != 0x1234 || dev.ProductID != 0x5678 {
			t.Errorf("unexpected vendor/product id: %#04x/%#04x", dev.VendorID, dev.ProductID)
		}

		return 0
	}

	m.OnMountSucceed = func(devAddr uint8) {
		mounted = true
		mountedAddr = devAddr
	}

	m.OnMountFailed = func(devAddr uint8, err error) {
		t.Fatalf("unexpected mount failure for device %d: %v", devAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)

	m.Enqueue(Event{CoreID: 0, Speed: desc.SpeedHigh})

	respondTo(t, m, m.pool, mem, 0, deviceDescriptorFixture[:8])
	respondTo(t, m, m.pool, mem, 0, nil) // SET_ADDRESS
	respondTo(t, m, m.pool, mem, 1, deviceDescriptorFixture)
	respondTo(t, m, m.pool, mem, 1, configDescriptorFixture[:ConfigurationDescriptorLength])
	respondTo(t, m, m.pool, mem, 1, configDescriptorFixture)
	respondTo(t, m, m.pool, mem, 1, nil) // SET_CONFIGURATION

	deadline := time.Now().Add(2 * time.Second)
	for !mounted && time.Now().Before(deadline) {
		runtime.Gosched()
	}

	if !attached {
		t.Fatal("expected OnAttached to be called")
	}

	if !mounted || mountedAddr != 1 {
		t.Fatalf("expected device 1 to mount successfully, mounted=%v addr=%d", mounted, mountedAddr)
	}

	dev := m.deviceAt(1)

	if dev.State != Configured {
		t.Fatalf("expected device 1 in state CONFIGURED, got %s", dev.State)
	}

	if dev.InterfaceCount != 1 {
		t.Fatalf("expected 1 interface, got %d", dev.InterfaceCount)
	}

	if dev.FlagSupportedClass&ClassFlagHID == 0 {
		t.Fatal("expected HID class flag set")
	}
}

func TestEnumerateTimeoutOnFirstDescriptorFetchAborts(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.StepTimeout = 10 * time.Millisecond

	var failedAddr uint8
	var failed bool

	m.OnMountFailed = func(devAddr uint8, err error) {
		failed = true
		failedAddr = devAddr
	}

	m.OnMountSucceed = func(devAddr uint8) {
		t.Fatal("did not expect a successful mount")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)

	m.Enqueue(Event{CoreID: 0, Speed: desc.SpeedHigh})

	deadline := time.Now().Add(2 * time.Second)
	for !failed && time.Now().Before(deadline) {
		runtime.Gosched()
	}

	if !failed || failedAddr != 0 {
		t.Fatalf("expected mount failure reported for address 0, failed=%v addr=%d", failed, failedAddr)
	}

	if m.deviceAt(0).State != Addressed {
		t.Fatalf("expected address-0 slot to remain ADDRESSED after a non-responding device, got %s", m.deviceAt(0).State)
	}
}
