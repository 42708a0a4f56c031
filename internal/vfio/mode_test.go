package vfio

import "testing"

func TestModeControllerIntxGSIAppliesArchOffset(t *testing.T) {
	m := NewModeController(newFakeHostDevice(), &fakeRouter{}, "dev", 11, 0, true, discardLogger())
	if m.INTxGSI() != 11 {
		t.Errorf("INTxGSI() = %d, want 11", m.INTxGSI())
	}

	m2 := NewModeController(newFakeHostDevice(), &fakeRouter{}, "dev", 11, 5, true, discardLogger())
	if m2.INTxGSI() != 6 {
		t.Errorf("INTxGSI() with archOffset=5 = %d, want 6", m2.INTxGSI())
	}
}

func TestModeControllerEnableINTxIsIdempotent(t *testing.T) {
	withFakeEventFD(t)
	host := newFakeHostDevice()
	router := &fakeRouter{}
	m := NewModeController(host, router, "dev", 10, 0, true, discardLogger())

	if err := m.EnableINTx(); err != nil {
		t.Fatalf("EnableINTx #1: %v", err)
	}
	callsAfterFirst := len(host.setIRQs)

	if err := m.EnableINTx(); err != nil {
		t.Fatalf("EnableINTx #2: %v", err)
	}
	if len(host.setIRQs) != callsAfterFirst {
		t.Errorf("EnableINTx while already armed issued more SetIRQs calls: %d -> %d", callsAfterFirst, len(host.setIRQs))
	}
	if !m.INTxArmed() {
		t.Errorf("INTxArmed() should be true after EnableINTx")
	}
}

func TestModeControllerEnableINTxNoopWhenUnsupported(t *testing.T) {
	host := newFakeHostDevice()
	m := NewModeController(host, &fakeRouter{}, "dev", 10, 0, false, discardLogger())
	if err := m.EnableINTx(); err != nil {
		t.Fatalf("EnableINTx on a device without INTx support: %v", err)
	}
	if m.INTxArmed() {
		t.Errorf("INTxArmed() should stay false when supportsINTx is false")
	}
	if len(host.setIRQs) != 0 {
		t.Errorf("EnableINTx without INTx support should not touch the host")
	}
}

func TestModeControllerDisableINTxIsIdempotent(t *testing.T) {
	withFakeEventFD(t)
	m := NewModeController(newFakeHostDevice(), &fakeRouter{}, "dev", 10, 0, true, discardLogger())
	if err := m.EnableINTx(); err != nil {
		t.Fatalf("EnableINTx: %v", err)
	}
	if err := m.DisableINTx(); err != nil {
		t.Fatalf("DisableINTx #1: %v", err)
	}
	if err := m.DisableINTx(); err != nil {
		t.Fatalf("DisableINTx #2: %v", err)
	}
	if m.INTxArmed() {
		t.Errorf("INTxArmed() should be false after DisableINTx")
	}
}

func TestModeControllerEnteringMSIModeTearsDownINTx(t *testing.T) {
	withFakeEventFD(t)
	m := NewModeController(newFakeHostDevice(), &fakeRouter{}, "dev", 10, 0, true, discardLogger())
	if err := m.EnableINTx(); err != nil {
		t.Fatalf("EnableINTx: %v", err)
	}
	if err := m.EnteringMSIMode(); err != nil {
		t.Fatalf("EnteringMSIMode: %v", err)
	}
	if m.INTxArmed() {
		t.Errorf("INTxArmed() should be false once MSI mode is entered")
	}
}

func TestModeControllerLeavingMSIModeRearmsINTxWhenSupported(t *testing.T) {
	withFakeEventFD(t)
	m := NewModeController(newFakeHostDevice(), &fakeRouter{}, "dev", 10, 0, true, discardLogger())
	m.LeavingMSIMode()
	if !m.INTxArmed() {
		t.Errorf("LeavingMSIMode should re-arm INTx when the device supports it")
	}
}

func TestModeControllerLeavingMSIModeNoopWhenUnsupported(t *testing.T) {
	m := NewModeController(newFakeHostDevice(), &fakeRouter{}, "dev", 10, 0, false, discardLogger())
	m.LeavingMSIMode()
	if m.INTxArmed() {
		t.Errorf("LeavingMSIMode should not arm INTx on a device that does not support it")
	}
}

func TestModeControllerAnyMSIEnabledChecksBothCapabilities(t *testing.T) {
	withFakeEventFD(t)
	m := NewModeController(newFakeHostDevice(), &fakeRouter{}, "dev", 10, 0, true, discardLogger())
	msi, _, _ := newTestCapability("msi", 1)
	msix, _, _ := newTestCapability("msix", 1)
	m.AttachCapabilities(msi, msix)

	if m.AnyMSIEnabled() {
		t.Errorf("AnyMSIEnabled() should be false before either capability is armed")
	}

	if err := msi.UpdateVector(0, MsixEntry{AddrLo: 0xfee00000, Data: 1}, true); err != nil {
		t.Fatalf("UpdateVector: %v", err)
	}
	if err := msi.SetEnable(true); err != nil {
		t.Fatalf("SetEnable(true): %v", err)
	}

	if !m.AnyMSIEnabled() {
		t.Errorf("AnyMSIEnabled() should be true once msi is armed")
	}
}
