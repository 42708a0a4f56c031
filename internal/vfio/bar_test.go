package vfio

import (
	"testing"

	"github.com/tinyrange/vfiopt/internal/hv"
)

// fakeHostDevice is a minimal in-memory HostDevice, standing in for a real
// VFIO device fd in tests that never touch the kernel.
type fakeHostDevice struct {
	regions map[int]RegionInfo
	irqs    map[int]IRQInfo
	setIRQs []SetIRQsRequest
	mem     []byte
}

func newFakeHostDevice() *fakeHostDevice {
	return &fakeHostDevice{regions: map[int]RegionInfo{}, irqs: map[int]IRQInfo{}, mem: make([]byte, 1<<20)}
}

func (f *fakeHostDevice) GetRegionInfo(index int) (RegionInfo, error) { return f.regions[index], nil }
func (f *fakeHostDevice) GetIRQInfo(index int) (IRQInfo, error)       { return f.irqs[index], nil }
func (f *fakeHostDevice) SetIRQs(req SetIRQsRequest) error {
	f.setIRQs = append(f.setIRQs, req)
	return nil
}
func (f *fakeHostDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.mem[off:]), nil
}
func (f *fakeHostDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.mem[off:], p), nil
}
func (f *fakeHostDevice) Fd() int { return -1 }

var _ HostDevice = (*fakeHostDevice)(nil)

// fakeRouter records RegisterMMIO/UnregisterMMIO calls without touching
// real hardware; the MSI/IRQFD half of InterruptRouter is untested here
// since BarManager never calls it.
type fakeRouter struct {
	registered   []hv.MemoryMappedIODevice
	unregistered []hv.MemoryMappedIODevice
}

func (r *fakeRouter) RegisterMMIO(dev hv.MemoryMappedIODevice) error {
	r.registered = append(r.registered, dev)
	return nil
}
func (r *fakeRouter) UnregisterMMIO(dev hv.MemoryMappedIODevice) error {
	r.unregistered = append(r.unregistered, dev)
	return nil
}
func (r *fakeRouter) AddMSIRoute(key RouteKey, addr uint64, data uint32) (int, error) { return 0, nil }
func (r *fakeRouter) RemoveMSIRoute(key RouteKey) error                               { return nil }
func (r *fakeRouter) AddIRQFD(gsi, triggerFd, resampleFd int) error                   { return nil }
func (r *fakeRouter) RemoveIRQFD(gsi, triggerFd int) error                            { return nil }
func (r *fakeRouter) SetIRQLevel(gsi int, level bool) error                           { return nil }

var _ InterruptRouter = (*fakeRouter)(nil)

func TestLinearAllocatorAlignsAndBounds(t *testing.T) {
	a := NewLinearAllocator(0x1000, 0x10000, 0x100, 0x100)

	base1, err := a.Allocate(false, 0x1000, 0)
	if err != nil {
		t.Fatalf("Allocate #1: %v", err)
	}
	if base1 != 0x1000 {
		t.Errorf("base1 = 0x%x, want 0x1000", base1)
	}

	base2, err := a.Allocate(false, 0x100, 0x1000)
	if err != nil {
		t.Fatalf("Allocate #2: %v", err)
	}
	if base2 != 0x2000 {
		t.Errorf("base2 = 0x%x, want 0x2000 (must align up to requested alignment)", base2)
	}
}

func TestLinearAllocatorExhaustion(t *testing.T) {
	a := NewLinearAllocator(0, 0x1000, 0, 0)
	if _, err := a.Allocate(false, 0x2000, 0); err == nil {
		t.Errorf("Allocate beyond mmio window: want error, got nil")
	}
}

func TestLinearAllocatorSeparatesIOAndMMIO(t *testing.T) {
	a := NewLinearAllocator(0x10000, 0x10000, 0x1000, 0x1000)

	mmioBase, err := a.Allocate(false, 0x100, 0)
	if err != nil {
		t.Fatalf("Allocate mmio: %v", err)
	}
	ioBase, err := a.Allocate(true, 0x100, 0)
	if err != nil {
		t.Fatalf("Allocate io: %v", err)
	}
	if mmioBase == ioBase {
		t.Errorf("mmio and io allocations returned the same base 0x%x", mmioBase)
	}
	if ioBase < 0x1000 || ioBase >= 0x2000 {
		t.Errorf("io allocation 0x%x fell outside the io window", ioBase)
	}
}

func TestBarManagerDiscoverBARsSkipsZeroSize(t *testing.T) {
	host := newFakeHostDevice()
	host.regions[0] = RegionInfo{Index: 0, Size: 0x1000, Flags: RegionInfoFlagMmap}
	host.regions[1] = RegionInfo{Index: 1, Size: 0}

	m := NewBarManager(host, NewLinearAllocator(0x10000, 0x100000, 0, 0), &fakeRouter{}, nil)
	if err := m.DiscoverBARs(); err != nil {
		t.Fatalf("DiscoverBARs: %v", err)
	}

	if m.Region(0) == nil {
		t.Errorf("bar 0 should be discovered")
	}
	if m.Region(1) != nil {
		t.Errorf("bar 1 has zero size and should be skipped")
	}
}

func TestBarManagerDiscoverBARsRejectsNonPowerOfTwo(t *testing.T) {
	host := newFakeHostDevice()
	host.regions[0] = RegionInfo{Index: 0, Size: 0x1500, Flags: RegionInfoFlagMmap}

	m := NewBarManager(host, NewLinearAllocator(0x10000, 0x100000, 0, 0), &fakeRouter{}, nil)
	err := m.DiscoverBARs()
	if err == nil {
		t.Fatalf("DiscoverBARs with a non-power-of-two size: want error, got nil")
	}
	if _, ok := err.(*SetupFatalError); !ok {
		t.Errorf("DiscoverBARs error is %T, want *SetupFatalError", err)
	}
}

func TestBarManagerActivateIsIdempotent(t *testing.T) {
	host := newFakeHostDevice()
	host.regions[0] = RegionInfo{Index: 0, Size: 0x1000, Flags: RegionInfoFlagMmap}

	router := &fakeRouter{}
	m := NewBarManager(host, NewLinearAllocator(0x10000, 0x100000, 0, 0), router, nil)
	if err := m.DiscoverBARs(); err != nil {
		t.Fatalf("DiscoverBARs: %v", err)
	}

	base := m.Region(0).guestBase
	if err := m.Activate(0, base); err != nil {
		t.Fatalf("Activate #1: %v", err)
	}
	if err := m.Activate(0, base); err != nil {
		t.Fatalf("Activate #2 (same base): %v", err)
	}
	if len(router.registered) != 1 {
		t.Errorf("RegisterMMIO called %d times, want 1 (repeat Activate at same base must be a no-op)", len(router.registered))
	}
}

func TestBarManagerActivateRebaseReregisters(t *testing.T) {
	host := newFakeHostDevice()
	host.regions[0] = RegionInfo{Index: 0, Size: 0x1000, Flags: RegionInfoFlagMmap}

	router := &fakeRouter{}
	m := NewBarManager(host, NewLinearAllocator(0x10000, 0x100000, 0, 0), router, nil)
	if err := m.DiscoverBARs(); err != nil {
		t.Fatalf("DiscoverBARs: %v", err)
	}

	if err := m.Activate(0, 0x20000); err != nil {
		t.Fatalf("Activate #1: %v", err)
	}
	if err := m.Activate(0, 0x30000); err != nil {
		t.Fatalf("Activate #2 (new base): %v", err)
	}
	if len(router.registered) != 2 {
		t.Errorf("RegisterMMIO called %d times, want 2 (rebase must deactivate then reactivate)", len(router.registered))
	}
	if len(router.unregistered) != 1 {
		t.Errorf("UnregisterMMIO called %d times, want 1", len(router.unregistered))
	}
}

func TestBarManagerDeactivateUnregistersPassthrough(t *testing.T) {
	host := newFakeHostDevice()
	host.regions[0] = RegionInfo{Index: 0, Size: 0x1000, Flags: RegionInfoFlagMmap}

	router := &fakeRouter{}
	m := NewBarManager(host, NewLinearAllocator(0x10000, 0x100000, 0, 0), router, nil)
	if err := m.DiscoverBARs(); err != nil {
		t.Fatalf("DiscoverBARs: %v", err)
	}
	if err := m.Activate(0, 0x20000); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Deactivate(0); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if len(router.unregistered) != 1 {
		t.Errorf("UnregisterMMIO called %d times, want 1", len(router.unregistered))
	}
	if m.Region(0).activated {
		t.Errorf("bar still marked activated after Deactivate")
	}
}

func TestPassthroughRegionReadWriteUsesHostOffset(t *testing.T) {
	host := newFakeHostDevice()
	bar := &BarRegion{guestBase: 0x5000, hostOffset: 0x1000, size: 0x1000}
	region := &passthroughRegion{host: host, bar: bar}

	payload := []byte{1, 2, 3, 4}
	if err := region.WriteMMIO(nil, 0x5010, payload); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	out := make([]byte, len(payload))
	if err := region.ReadMMIO(nil, 0x5010, out); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("read back %v, want %v", out, payload)
		}
	}

	if host.mem[0x1010] != 1 {
		t.Errorf("write did not land at host offset 0x1010 (hostOffset + (addr-guestBase))")
	}
}
