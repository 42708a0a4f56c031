package vfio

import (
	"log/slog"

	"github.com/tinyrange/vfiopt/internal/hv"
)

// Allocator reserves guest-physical (or port-space) windows. Grounded on
// internal/devices/pci/host.go's linearAllocator.
type Allocator interface {
	Allocate(io bool, size uint64, align uint64) (uint64, error)
}

// linearAllocator is the same power-of-two-aligned bump allocator the
// teacher's host bridge uses for MMIO BARs, generalized to also serve
// I/O port space from a second base/bound pair.
type linearAllocator struct {
	mmioBase, mmioSize, mmioNext uint64
	ioBase, ioSize, ioNext       uint64
}

func NewLinearAllocator(mmioBase, mmioSize, ioBase, ioSize uint64) Allocator {
	return &linearAllocator{
		mmioBase: mmioBase, mmioSize: mmioSize, mmioNext: mmioBase,
		ioBase: ioBase, ioSize: ioSize, ioNext: ioBase,
	}
}

func (a *linearAllocator) Allocate(io bool, size uint64, align uint64) (uint64, error) {
	if align == 0 {
		align = size
	}
	mask := align - 1

	if io {
		base := (a.ioNext + mask) &^ mask
		if base+size > a.ioBase+a.ioSize {
			return 0, setupFatalf("bar_alloc", "io space exhausted allocating size 0x%x", size)
		}
		a.ioNext = base + size
		return base, nil
	}

	base := (a.mmioNext + mask) &^ mask
	if base+size > a.mmioBase+a.mmioSize {
		return 0, setupFatalf("bar_alloc", "mmio space exhausted allocating size 0x%x", size)
	}
	a.mmioNext = base + size
	return base, nil
}

// BarRegion is spec §3's BarRegion: per-BAR record tracking is-ioport,
// size (power of two), guest-physical/port base, and the host-side
// region descriptor.
type BarRegion struct {
	index       int
	isIO        bool
	is64        bool
	aliasOfHigh bool // true for the high dword of a 64-bit pair; carries no independent region
	size        uint64
	hostOffset  uint64 // region offset within the device fd (for pass-through mapping)

	guestBase uint64
	activated bool

	isMsixWindow bool
	msixEmulator *MsixEmulator
	passthrough  *passthroughRegion
}

// synthesize produces the BAR register value from the is-ioport flag and
// assigned base (§4.D fixup phase).
func (b *BarRegion) synthesize() uint32 {
	if b.isIO {
		return uint32(b.guestBase&^0x3) | 0x1
	}
	v := uint32(b.guestBase&^0xf) | 0x0 // memory, type 32-bit prefetchable bit left clear
	if b.is64 {
		v |= 0x4
	}
	return v
}

// BarManager is Component E.
type BarManager struct {
	host      HostDevice
	allocator Allocator
	router    InterruptRouter
	bars      [6]*BarRegion
	logger    *slog.Logger
}

func NewBarManager(host HostDevice, allocator Allocator, router InterruptRouter, logger *slog.Logger) *BarManager {
	return &BarManager{host: host, allocator: allocator, router: router, logger: logger}
}

const pageSize = 0x1000

// DiscoverBARs reads each BAR region via GET_REGION_INFO and reserves a
// guest-physical (or port) window for it. A zero-size BAR is skipped; a
// non-power-of-two size is SETUP_FATAL (testable invariant in §8).
func (m *BarManager) DiscoverBARs() error {
	for i := 0; i < 6; i++ {
		info, err := m.host.GetRegionInfo(i)
		if err != nil {
			return setupFatalf("bar_discover", "bar %d: %w", i, err)
		}
		if info.Size == 0 {
			continue
		}
		if info.Size&(info.Size-1) != 0 {
			return setupFatalf("bar_discover", "bar %d size 0x%x is not a power of two", i, info.Size)
		}

		isIO := info.Flags&RegionInfoFlagMmap == 0

		b := &BarRegion{index: i, isIO: isIO, size: info.Size, hostOffset: info.Offset}

		align := info.Size
		if !isIO && align < pageSize {
			align = pageSize
		}
		base, err := m.allocator.Allocate(isIO, info.Size, align)
		if err != nil {
			return err
		}
		b.guestBase = base

		m.bars[i] = b
	}
	return nil
}

// ReserveMsixWindow carves out guest-physical space for the MSI-X table
// and PBA, which are not directly mapped to the underlying hardware BAR
// (spec §4.E).
func (m *BarManager) ReserveMsixWindow(table *MsixTableDescriptor, pba *MsixPbaDescriptor) error {
	totalSize := alignUp8(uint64(table.Size)) + pba.Size
	base, err := m.allocator.Allocate(false, totalSize, pageSize)
	if err != nil {
		return setupFatalf("msix_window", "%w", err)
	}
	table.GuestPhysAddr = base
	pba.GuestPhysAddr = base + alignUp8(table.Size)

	bar := m.bars[table.Bar]
	if bar == nil {
		bar = &BarRegion{index: table.Bar, size: totalSize}
		m.bars[table.Bar] = bar
	}
	bar.isMsixWindow = true
	bar.guestBase = base
	bar.size = totalSize
	return nil
}

// AttachMsixEmulator records the emulator so Activate can register its
// MMIO handlers instead of a pass-through mapping for that BAR.
func (m *BarManager) AttachMsixEmulator(bar int, e *MsixEmulator) {
	if m.bars[bar] != nil {
		m.bars[bar].msixEmulator = e
	}
}

// Activate is the callback invoked by the bus when the guest programs a
// BAR and enables the corresponding decode bit (command register memory/
// IO enable). Idempotent on repeated programming of the same base.
func (m *BarManager) Activate(index int, newBase uint64) error {
	b := m.bars[index]
	if b == nil {
		return nil
	}
	if b.activated && b.guestBase == newBase {
		return nil // idempotent
	}
	if b.activated {
		if err := m.Deactivate(index); err != nil {
			return err
		}
	}

	b.guestBase = newBase
	b.activated = true

	if b.isMsixWindow && b.msixEmulator != nil {
		if err := m.router.RegisterMMIO(b.msixEmulator); err != nil {
			return setupFatalf("bar_activate", "register msix window bar %d: %w", index, err)
		}
		return nil
	}

	region := &passthroughRegion{host: m.host, bar: b}
	if err := m.router.RegisterMMIO(region); err != nil {
		return setupFatalf("bar_activate", "register passthrough bar %d: %w", index, err)
	}
	b.passthrough = region
	return nil
}

// Deactivate is the inverse of Activate.
func (m *BarManager) Deactivate(index int) error {
	b := m.bars[index]
	if b == nil || !b.activated {
		return nil
	}
	b.activated = false

	if b.isMsixWindow && b.msixEmulator != nil {
		return m.router.UnregisterMMIO(b.msixEmulator)
	}
	if b.passthrough != nil {
		err := m.router.UnregisterMMIO(b.passthrough)
		b.passthrough = nil
		return err
	}
	return nil
}

func (m *BarManager) Region(index int) *BarRegion { return m.bars[index] }

// passthroughRegion maps an ordinary (non-MSI-X-window) BAR's MMIO
// accesses straight through to pread/pwrite against the device fd at the
// matching region offset.
type passthroughRegion struct {
	host HostDevice
	bar  *BarRegion
}

var _ hv.MemoryMappedIODevice = (*passthroughRegion)(nil)

func (p *passthroughRegion) Init(hv.VirtualMachine) error { return nil }

func (p *passthroughRegion) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: p.bar.guestBase, Size: p.bar.size}}
}

func (p *passthroughRegion) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	off := int64(p.bar.hostOffset) + int64(addr-p.bar.guestBase)
	_, err := p.host.ReadAt(data, off)
	return err
}

func (p *passthroughRegion) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	off := int64(p.bar.hostOffset) + int64(addr-p.bar.guestBase)
	_, err := p.host.WriteAt(data, off)
	return err
}
