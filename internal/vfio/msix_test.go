package vfio

import (
	"encoding/binary"
	"testing"
)

func newTestMsixEmulator(nrEntries int) (*MsixEmulator, *Capability, *fakeHostDevice) {
	host := newFakeHostDevice()
	router := &fakeRouter{}
	cap := NewCapability("msix", "0000:05:00.0", 0x50, IRQInfo{Count: uint32(nrEntries)}, host, router, discardLogger())

	table := NewMsixTableDescriptor(0, 0, nrEntries)
	table.GuestPhysAddr = 0x40000000
	pba := NewMsixPbaDescriptor(0, 0x1000, uint32(table.Size), nrEntries)
	pba.GuestPhysAddr = table.GuestPhysAddr + table.Size

	emu := NewMsixEmulator(cap, table, pba, host, discardLogger())
	return emu, cap, host
}

func TestMsixEmulatorRejectsUnalignedLengths(t *testing.T) {
	emu, _, _ := newTestMsixEmulator(2)

	for _, length := range []int{1, 2, 3, 5, 6, 7} {
		data := make([]byte, length)
		if err := emu.ReadMMIO(nil, emu.table.GuestPhysAddr, data); err == nil {
			t.Errorf("ReadMMIO with length %d: want error, got nil", length)
		}
		if err := emu.WriteMMIO(nil, emu.table.GuestPhysAddr, data); err == nil {
			t.Errorf("WriteMMIO with length %d: want error, got nil", length)
		}
	}
}

func TestMsixEmulatorAcceptsLengths4And8(t *testing.T) {
	emu, _, _ := newTestMsixEmulator(2)

	for _, length := range []int{4, 8} {
		data := make([]byte, length)
		if err := emu.ReadMMIO(nil, emu.table.GuestPhysAddr, data); err != nil {
			t.Errorf("ReadMMIO with length %d: %v", length, err)
		}
	}
}

func TestMsixEmulatorRejectsAccessAtTableBoundary(t *testing.T) {
	emu, _, _ := newTestMsixEmulator(2)

	// table.Size is exactly 32 bytes (2 entries * 16); an 8-byte table
	// access starting exactly at the end of the window must be rejected by
	// the table handler, not clamped. (This fixture places the PBA right
	// after the table, so ReadMMIO at that address is a PBA read.)
	boundary := emu.table.GuestPhysAddr + emu.table.Size
	data := make([]byte, 8)
	if err := emu.readTable(boundary, data); err == nil {
		t.Errorf("readTable exactly at table.Size boundary: want error, got nil")
	}
}

func TestMsixEmulatorRejectsAccessOutsideEitherWindow(t *testing.T) {
	emu, _, _ := newTestMsixEmulator(2)

	data := make([]byte, 4)
	below := emu.table.GuestPhysAddr - 0x1000
	if err := emu.ReadMMIO(nil, below, data); err == nil {
		t.Errorf("ReadMMIO below the table window: want error, got nil")
	}

	above := emu.pba.GuestPhysAddr + emu.pba.Size + 0x1000
	if err := emu.WriteMMIO(nil, above, data); err == nil {
		t.Errorf("WriteMMIO above the pba window: want error, got nil")
	}
}

func TestMsixEmulatorTableReadWriteRoundTrip(t *testing.T) {
	withFakeEventFD(t)
	emu, cap, _ := newTestMsixEmulator(2)

	var entry [16]byte
	binary.LittleEndian.PutUint32(entry[0:], 0xfee00000)
	binary.LittleEndian.PutUint32(entry[4:], 0)
	binary.LittleEndian.PutUint32(entry[8:], 0x1234)
	binary.LittleEndian.PutUint32(entry[12:], 0) // unmasked

	addr := emu.table.GuestPhysAddr // vector 0 starts at offset 0
	for i := 0; i < 16; i += 8 {
		if err := emu.WriteMMIO(nil, addr+uint64(i), entry[i:i+8]); err != nil {
			t.Fatalf("WriteMMIO at offset %d: %v", i, err)
		}
	}

	var readBack [16]byte
	for i := 0; i < 16; i += 8 {
		if err := emu.ReadMMIO(nil, addr+uint64(i), readBack[i:i+8]); err != nil {
			t.Fatalf("ReadMMIO at offset %d: %v", i, err)
		}
	}
	if readBack != entry {
		t.Fatalf("round-trip read %v, want %v", readBack, entry)
	}

	if cap.vectors[0].config.Addr() != 0xfee00000 || cap.vectors[0].config.Data != 0x1234 {
		t.Errorf("capability vector 0 not updated from the table write: %+v", cap.vectors[0].config)
	}
}

func TestMsixEmulatorWriteOnlyCtrlFieldTouchesState(t *testing.T) {
	withFakeEventFD(t)
	emu, cap, _ := newTestMsixEmulator(1)

	// Address/data-only write (first 8 bytes): must not be treated as a
	// ctrl-touching write.
	addrData := make([]byte, 8)
	binary.LittleEndian.PutUint32(addrData[0:], 0xfee00000)
	if err := emu.WriteMMIO(nil, emu.table.GuestPhysAddr, addrData); err != nil {
		t.Fatalf("WriteMMIO addr/data: %v", err)
	}
	if cap.vectors[0].eventfd >= 0 {
		t.Errorf("address/data-only write should not allocate an eventfd (ctrl untouched)")
	}

	// ctrl word write (last 4 bytes of the 16-byte entry): this does touch
	// ctrl and should drive the vector live once the capability is enabled.
	ctrl := make([]byte, 8)
	binary.LittleEndian.PutUint32(ctrl[4:], 0) // unmasked
	if err := emu.WriteMMIO(nil, emu.table.GuestPhysAddr+8, ctrl); err != nil {
		t.Fatalf("WriteMMIO ctrl: %v", err)
	}
	if err := cap.SetEnable(true); err != nil {
		t.Fatalf("SetEnable(true): %v", err)
	}
	if cap.vectors[0].eventfd < 0 {
		t.Errorf("ctrl-touching write should allocate an eventfd for an unmasked vector")
	}
}

func TestMsixEmulatorPBAReadPassesThroughHostfd(t *testing.T) {
	emu, _, host := newTestMsixEmulator(2)
	host.mem[0x1000] = 0xab

	data := make([]byte, 4)
	if err := emu.ReadMMIO(nil, emu.pba.GuestPhysAddr, data); err != nil {
		t.Fatalf("ReadMMIO pba: %v", err)
	}
	if data[0] != 0xab {
		t.Errorf("pba read = %v, want first byte 0xab (passthrough at pba.Offset)", data)
	}
}

func TestMsixEmulatorPBAWriteIsIgnored(t *testing.T) {
	emu, _, host := newTestMsixEmulator(2)
	before := append([]byte(nil), host.mem[0x1000:0x1008]...)

	data := make([]byte, 8)
	for i := range data {
		data[i] = 0xff
	}
	if err := emu.WriteMMIO(nil, emu.pba.GuestPhysAddr, data); err != nil {
		t.Fatalf("WriteMMIO pba: %v", err)
	}
	after := host.mem[0x1000:0x1008]
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("pba write should be a no-op stub, but host memory changed at offset %d", i)
		}
	}
}

func TestMsixEmulatorMMIORegionsCoverBothWindows(t *testing.T) {
	emu, _, _ := newTestMsixEmulator(3)
	regions := emu.MMIORegions()
	if len(regions) != 2 {
		t.Fatalf("MMIORegions() returned %d entries, want 2", len(regions))
	}
	if regions[0].Address != emu.table.GuestPhysAddr || regions[0].Size != emu.table.Size {
		t.Errorf("table region = %+v, want addr=0x%x size=0x%x", regions[0], emu.table.GuestPhysAddr, emu.table.Size)
	}
	if regions[1].Address != emu.pba.GuestPhysAddr || regions[1].Size != emu.pba.Size {
		t.Errorf("pba region = %+v, want addr=0x%x size=0x%x", regions[1], emu.pba.GuestPhysAddr, emu.pba.Size)
	}
}
