package vfio

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/vfiopt/internal/hv"
)

const msixEntrySize = 16

// alignUp8 rounds n up to the next multiple of 8.
func alignUp8(n uint64) uint64 { return (n + 7) &^ 7 }

// MsixTableDescriptor is the table half of spec §3's
// MsixTableDescriptor/MsixPbaDescriptor pair.
type MsixTableDescriptor struct {
	Bar          int
	Offset       uint32
	Size         uint64 // rounded up to an 8-byte multiple of 16*N
	GuestPhysAddr uint64
}

// MsixPbaDescriptor is the PBA half.
type MsixPbaDescriptor struct {
	Bar           int
	Offset        uint32 // within the device fd, for the pread fallback
	BarOffset     uint32 // within the shared BAR, if table and PBA share one
	Size          uint64 // rounded up to an 8-byte multiple of ceil(N/64)
	GuestPhysAddr uint64
}

// NewMsixTableDescriptor sizes the table window for nrEntries vectors.
func NewMsixTableDescriptor(bar int, offset uint32, nrEntries int) MsixTableDescriptor {
	return MsixTableDescriptor{
		Bar:    bar,
		Offset: offset,
		Size:   alignUp8(uint64(nrEntries) * msixEntrySize),
	}
}

// NewMsixPbaDescriptor sizes the PBA window for nrEntries vectors (one bit
// each, packed into 64-bit words).
func NewMsixPbaDescriptor(bar int, deviceOffset, barOffset uint32, nrEntries int) MsixPbaDescriptor {
	words := (nrEntries + 63) / 64
	return MsixPbaDescriptor{
		Bar:       bar,
		Offset:    deviceOffset,
		BarOffset: barOffset,
		Size:      alignUp8(uint64(words) * 8),
	}
}

// MsixEmulator is Component C: trap-and-emulate MMIO handlers for the
// virtual MSI-X table and PBA window. It shares the Capability's mutex
// (both accesses take it for the duration, per §4.C "Concurrency").
type MsixEmulator struct {
	cap    *Capability
	table  MsixTableDescriptor
	pba    MsixPbaDescriptor
	host   HostDevice
	logger *slog.Logger
}

func NewMsixEmulator(cap *Capability, table MsixTableDescriptor, pba MsixPbaDescriptor, host HostDevice, logger *slog.Logger) *MsixEmulator {
	return &MsixEmulator{cap: cap, table: table, pba: pba, host: host, logger: logger}
}

var _ hv.MemoryMappedIODevice = (*MsixEmulator)(nil)

func (m *MsixEmulator) Init(hv.VirtualMachine) error { return nil }

func (m *MsixEmulator) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: m.table.GuestPhysAddr, Size: m.table.Size},
		{Address: m.pba.GuestPhysAddr, Size: m.pba.Size},
	}
}

// validAccess enforces the §4.C alignment rule: length must be 4 or 8 and
// the address must be naturally aligned. Boundary behaviors in §8 require
// lengths {1,2,3,5,6,7} and an access starting at exactly the window size
// to be rejected.
func validAccess(base, addr uint64, size uint64, length int) bool {
	if length != 4 && length != 8 {
		return false
	}
	if addr < base || addr+uint64(length) > base+size {
		return false
	}
	if (addr-base)%uint64(length) != 0 {
		return false
	}
	return true
}

func (m *MsixEmulator) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	switch {
	case addr >= m.table.GuestPhysAddr && addr < m.table.GuestPhysAddr+m.table.Size:
		return m.readTable(addr, data)
	case addr >= m.pba.GuestPhysAddr && addr < m.pba.GuestPhysAddr+m.pba.Size:
		return m.readPBA(addr, data)
	default:
		return accessBadf("msix_mmio_read", "address 0x%x outside table/pba window", addr)
	}
}

func (m *MsixEmulator) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	switch {
	case addr >= m.table.GuestPhysAddr && addr < m.table.GuestPhysAddr+m.table.Size:
		return m.writeTable(addr, data)
	case addr >= m.pba.GuestPhysAddr && addr < m.pba.GuestPhysAddr+m.pba.Size:
		return nil // PBA writes are ignored (stub, §4.C/§9)
	default:
		return accessBadf("msix_mmio_write", "address 0x%x outside table/pba window", addr)
	}
}

func (m *MsixEmulator) readTable(addr uint64, data []byte) error {
	if !validAccess(m.table.GuestPhysAddr, addr, m.table.Size, len(data)) {
		m.logger.Warn("vfio: msix table access rejected", "addr", addr, "len", len(data))
		return accessBadf("msix_table_read", "misaligned or wrong-length access at 0x%x len=%d", addr, len(data))
	}

	m.cap.mu.Lock()
	defer m.cap.mu.Unlock()

	off := addr - m.table.GuestPhysAddr
	idx := int(off / msixEntrySize)
	field := int(off % msixEntrySize)
	if idx >= len(m.cap.vectors) {
		return accessBadf("msix_table_read", "vector index %d out of range", idx)
	}

	v := m.cap.vectors[idx].config
	raw := [msixEntrySize]byte{}
	binary.LittleEndian.PutUint32(raw[0:], v.AddrLo)
	binary.LittleEndian.PutUint32(raw[4:], v.AddrHi)
	binary.LittleEndian.PutUint32(raw[8:], v.Data)
	binary.LittleEndian.PutUint32(raw[12:], v.Ctrl)

	copy(data, raw[field:field+len(data)])
	return nil
}

func (m *MsixEmulator) writeTable(addr uint64, data []byte) error {
	if !validAccess(m.table.GuestPhysAddr, addr, m.table.Size, len(data)) {
		m.logger.Warn("vfio: msix table access rejected", "addr", addr, "len", len(data))
		return accessBadf("msix_table_write", "misaligned or wrong-length access at 0x%x len=%d", addr, len(data))
	}

	m.cap.mu.Lock()

	off := addr - m.table.GuestPhysAddr
	idx := int(off / msixEntrySize)
	field := int(off % msixEntrySize)
	if idx >= len(m.cap.vectors) {
		m.cap.mu.Unlock()
		return accessBadf("msix_table_write", "vector index %d out of range", idx)
	}

	v := m.cap.vectors[idx].config
	raw := [msixEntrySize]byte{}
	binary.LittleEndian.PutUint32(raw[0:], v.AddrLo)
	binary.LittleEndian.PutUint32(raw[4:], v.AddrHi)
	binary.LittleEndian.PutUint32(raw[8:], v.Data)
	binary.LittleEndian.PutUint32(raw[12:], v.Ctrl)

	copy(raw[field:field+len(data)], data)

	v.AddrLo = binary.LittleEndian.Uint32(raw[0:])
	v.AddrHi = binary.LittleEndian.Uint32(raw[4:])
	v.Data = binary.LittleEndian.Uint32(raw[8:])
	v.Ctrl = binary.LittleEndian.Uint32(raw[12:])

	ctrlTouched := field+len(data) > 12
	m.cap.mu.Unlock()

	return m.cap.UpdateVector(idx, v, ctrlTouched)
}

// readPBA serves reads via a direct pread into the device fd at the PBA's
// recorded offset — no local pending-bit emulation (§4.C/§9 stub).
func (m *MsixEmulator) readPBA(addr uint64, data []byte) error {
	m.cap.mu.Lock()
	defer m.cap.mu.Unlock()

	off := int64(m.pba.Offset) + int64(addr-m.pba.GuestPhysAddr)
	if _, err := m.host.ReadAt(data, off); err != nil {
		m.logger.Warn("vfio: pba pread failed", "err", err)
		return err
	}
	return nil
}
