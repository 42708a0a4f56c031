package vfio

import "testing"

func TestSetupAndTeardownMSIXDevice(t *testing.T) {
	withFakeEventFD(t)

	raw := buildRawHeader(writeMSIXCap)
	host := newFakeHostDevice()
	copy(host.mem, raw[:])
	host.regions[regionIndexConfig] = RegionInfo{Index: regionIndexConfig, Offset: 0, Size: 256, Flags: RegionInfoFlagRead | RegionInfoFlagWrite}
	host.regions[0] = RegionInfo{Index: 0, Offset: 0x10000, Size: 0x1000, Flags: RegionInfoFlagMmap}
	host.irqs[IRQIndexMSIX] = IRQInfo{Index: IRQIndexMSIX, Count: 2}
	host.irqs[IRQIndexINTX] = IRQInfo{Index: IRQIndexINTX, Count: 1}

	dc, err := Setup(SetupOptions{
		BDF:       BDF{Bus: 1, Device: 0, Function: 0},
		Host:      host,
		Router:    &fakeRouter{},
		Allocator: NewLinearAllocator(0x40000000, 0x10000000, 0, 0),
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if dc.Mode() == nil {
		t.Fatalf("Setup did not populate a ModeController")
	}
	if dc.ConfigSpace().IRQModes()&irqModeMSIX == 0 {
		t.Errorf("ConfigSpace().IRQModes() should report MSI-X support")
	}
	if dc.Bars().Region(0) == nil {
		t.Errorf("bar 0 should have been discovered")
	}

	if err := dc.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
}

func TestSetupArmsINTxWhenNoMSICapabilities(t *testing.T) {
	withFakeEventFD(t)

	raw := buildRawHeader()
	host := newFakeHostDevice()
	copy(host.mem, raw[:])
	host.regions[regionIndexConfig] = RegionInfo{Index: regionIndexConfig, Offset: 0, Size: 256, Flags: RegionInfoFlagRead | RegionInfoFlagWrite}
	host.irqs[IRQIndexINTX] = IRQInfo{Index: IRQIndexINTX, Count: 1}

	dc, err := Setup(SetupOptions{
		BDF:       BDF{Bus: 2, Device: 0, Function: 0},
		Host:      host,
		Router:    &fakeRouter{},
		Allocator: NewLinearAllocator(0x40000000, 0x10000000, 0, 0),
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !dc.Mode().INTxArmed() {
		t.Errorf("a device with INTx support and no MSI/MSI-X capability should arm INTx at setup")
	}

	if err := dc.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
}

func TestSetupRejectsBadConfigHeader(t *testing.T) {
	var raw [256]byte
	raw[0x0e] = 0x01 // unsupported bridge header type
	host := newFakeHostDevice()
	copy(host.mem, raw[:])
	host.regions[regionIndexConfig] = RegionInfo{Index: regionIndexConfig, Offset: 0, Size: 256}

	if _, err := Setup(SetupOptions{
		BDF:       BDF{Bus: 3, Device: 0, Function: 0},
		Host:      host,
		Router:    &fakeRouter{},
		Allocator: NewLinearAllocator(0x40000000, 0x10000000, 0, 0),
		Logger:    discardLogger(),
	}); err == nil {
		t.Errorf("Setup with an unsupported header type: want error, got nil")
	}
}
