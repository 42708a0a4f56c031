package vfio

import (
	"fmt"
	"log/slog"
	"sync"
)

// StateFlag is the {ENABLED, MASKED, EMPTY} bitset tracked twice per
// capability (and, for MASKED, per vector too): once for what the guest
// has programmed (guestState) and once for what is currently realized on
// the host (hostState). See spec.md §4.B and §9 — this separation is the
// single most important mechanism in the design and must not collapse
// into one field.
type StateFlag uint8

const (
	StateEnabled StateFlag = 1 << iota
	StateMasked
	StateEmpty
)

func (f StateFlag) has(bit StateFlag) bool { return f&bit != 0 }

// MsixEntry is the 16-byte MSI-X table entry: address_lo, address_hi,
// data, ctrl (bit 0 of ctrl is the per-vector mask bit).
type MsixEntry struct {
	AddrLo uint32
	AddrHi uint32
	Data   uint32
	Ctrl   uint32
}

func (e MsixEntry) Addr() uint64 { return uint64(e.AddrLo) | uint64(e.AddrHi)<<32 }
func (e MsixEntry) Masked() bool { return e.Ctrl&1 != 0 }

// vector is one MsiVector (spec §3). gsi == -1 means unassigned, eventfd
// == -1 means unallocated.
type vector struct {
	config     MsixEntry
	gsi        int
	eventfd    int32
	guestState StateFlag
	hostState  StateFlag
}

// Capability is MsiCapabilityCommon (spec §3): the shared structure for
// an MSI or an MSI-X capability. Component B lives here.
type Capability struct {
	mu sync.Mutex

	kind     string // "msi" or "msix"
	deviceID string
	pos      int

	guestState StateFlag
	hostState  StateFlag

	info     IRQInfo
	bridge   *irqBridge
	router   InterruptRouter
	vectors  []vector
	maskAll  bool // MSI-X function-mask bit; takes precedence over per-vector mask
	logger   *slog.Logger
}

// NewCapability allocates nrEntries vectors, all starting MASKED|EMPTY on
// both sides — "created in bulk when MSI/MSI-X capability is parsed". MSI
// has no function-level mask-all control bit (that's an MSI-X-only
// register); its capability-level guestState therefore starts unmasked,
// since nothing ever calls SetMaskAll for an "msi" capability to clear it.
func NewCapability(kind, deviceID string, pos int, info IRQInfo, host HostDevice, router InterruptRouter, logger *slog.Logger) *Capability {
	irqIndex := IRQIndexMSI
	guestState := StateEmpty
	if kind == "msix" {
		irqIndex = IRQIndexMSIX
		guestState |= StateMasked
	}

	c := &Capability{
		kind:       kind,
		deviceID:   deviceID,
		pos:        pos,
		guestState: guestState,
		hostState:  StateMasked | StateEmpty,
		info:       info,
		bridge:     newIRQBridge(host, irqIndex),
		router:     router,
		vectors:    make([]vector, info.Count),
		logger:     logger,
	}
	for i := range c.vectors {
		c.vectors[i] = vector{gsi: -1, eventfd: -1, guestState: StateMasked | StateEmpty, hostState: StateMasked | StateEmpty}
	}
	return c
}

// NrEntries is nr_entries sized for the pre-allocated IRQ-set buffer.
func (c *Capability) NrEntries() int { return len(c.vectors) }

// SetEnable handles the capability-enable transition stimulus (rule 1/2
// live one level up in the mode controller; this just flips guest state
// and, on a 0->1 transition with an unmasked non-empty vector set,
// triggers the host reconciliation).
func (c *Capability) SetEnable(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enabled {
		c.guestState |= StateEnabled
	} else {
		c.guestState &^= StateEnabled
	}

	return c.reconcileLocked()
}

// SetMaskAll handles the MSI-X "mask all" control-register bit. Mask-all
// takes precedence over any per-vector mask when a route's existence is
// evaluated (tie-break rule in §4.B).
func (c *Capability) SetMaskAll(masked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maskAll = masked
	if masked {
		c.guestState |= StateMasked
	} else {
		c.guestState &^= StateMasked
	}

	return c.reconcileLocked()
}

// UpdateVector is called on an MSI-X table write or an MSI address/data
// write (the "vector update" stimulus). It updates the in-memory model
// unconditionally, then — only if the write touched the 4-byte ctrl word
// (mask bit) — refreshes the route for that one vector and reconciles the
// capability-level host state.
func (c *Capability) UpdateVector(index int, cfg MsixEntry, ctrlTouched bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.vectors) {
		return accessBadf("update_vector", "index %d out of range [0,%d)", index, len(c.vectors))
	}

	v := &c.vectors[index]
	v.config = cfg

	if cfg.Masked() {
		v.guestState |= StateMasked
	} else {
		v.guestState &^= StateMasked
	}
	v.guestState &^= StateEmpty // a programmed vector is never "empty" on the guest side

	if !ctrlTouched {
		// Address/data-only rewrite: the MSI-X route table is still
		// refreshed unconditionally (scenario 2 in spec §8) but no
		// host_state/eventfd work is needed.
		return c.updateRouteLocked(index)
	}

	if err := c.updateMsiEntryLocked(index); err != nil {
		return err
	}

	return c.reconcileLocked()
}

// updateRouteLocked refreshes the MSI-X interrupt route (address/data)
// without touching the eventfd/IRQ-fd binding.
func (c *Capability) updateRouteLocked(index int) error {
	v := &c.vectors[index]
	if v.gsi < 0 {
		return nil // route not established yet; nothing to refresh
	}
	gsi, err := c.router.AddMSIRoute(RouteKey{DeviceID: c.deviceID, Vector: index}, v.config.Addr(), v.config.Data)
	if err != nil {
		return irqTransientf("update_route", "vector %d: %w", index, err)
	}
	v.gsi = gsi
	return nil
}

// updateMsiEntryLocked is update_msi_entry (spec §4.C): unconditionally
// allocates an eventfd before any mask check (matching vfio_pci_update_msi_entry
// in the original C, which allocates entry->eventfd up front so a later
// mask-all=0 transition always finds one ready to arm), then
// (re)establishes the MSI-X route, and installs/removes the IRQ-fd route
// per the mask transition — rule 5: vector.host_state.MASKED <=> no route
// is currently installed for that vector.
func (c *Capability) updateMsiEntryLocked(index int) error {
	v := &c.vectors[index]

	if v.eventfd < 0 {
		fd, allocErr := allocEventFD()
		if allocErr != nil {
			return irqTransientf("update_msi_entry", "allocate eventfd for vector %d: %w", index, allocErr)
		}
		v.eventfd = fd
	}

	effMasked := c.maskAll || v.config.Masked()

	gsi, err := c.router.AddMSIRoute(RouteKey{DeviceID: c.deviceID, Vector: index}, v.config.Addr(), v.config.Data)
	if err != nil {
		return irqTransientf("update_msi_entry", "route vector %d: %w", index, err)
	}
	v.gsi = gsi

	wantRoute := !effMasked
	haveRoute := !v.hostState.has(StateMasked)

	if wantRoute && !haveRoute {
		if err := c.router.AddIRQFD(v.gsi, int(v.eventfd), -1); err != nil {
			return irqTransientf("update_msi_entry", "add irqfd vector %d: %w", index, err)
		}
		v.hostState &^= StateMasked
	} else if !wantRoute && haveRoute {
		if err := c.router.RemoveIRQFD(v.gsi, int(v.eventfd)); err != nil {
			return irqTransientf("update_msi_entry", "remove irqfd vector %d: %w", index, err)
		}
		v.hostState |= StateMasked
	}

	if effMasked {
		v.guestState |= StateMasked
	} else {
		v.guestState &^= StateMasked
	}

	return nil
}

// reconcileLocked is enable_msis: reconciles the capability-level host
// state against the current guest state and vector set (rule 3/4).
func (c *Capability) reconcileLocked() error {
	guestEnabled := c.guestState.has(StateEnabled)
	guestUnmasked := !c.guestState.has(StateMasked)

	if !guestEnabled {
		if c.hostState.has(StateEnabled) {
			if err := c.disarmLocked(); err != nil {
				return err
			}
		}
		return nil
	}

	anyProgrammed := false
	for i := range c.vectors {
		if !c.vectors[i].guestState.has(StateEmpty) {
			anyProgrammed = true
			break
		}
	}

	wasEmpty := c.hostState.has(StateEmpty)

	if wasEmpty && guestUnmasked && anyProgrammed {
		// First transition that unmasks the capability AND finds a
		// non-EMPTY vector set: one bulk arm_multi.
		fds := make([]int32, len(c.vectors))
		for i := range c.vectors {
			v := &c.vectors[i]
			effMasked := c.maskAll || v.config.Masked()
			if effMasked || v.eventfd < 0 {
				fds[i] = -1
				continue
			}
			fds[i] = v.eventfd
			v.hostState &^= StateMasked
		}
		if err := c.bridge.armMulti(fds); err != nil {
			// host_state left unchanged; next write retries (§9 open question 2).
			return err
		}
		c.hostState &^= StateEmpty
		c.hostState |= StateEnabled
		c.logger.Debug("vfio: capability armed", "kind", c.kind, "device", c.deviceID)
		return nil
	}

	if !wasEmpty {
		c.hostState |= StateEnabled
	}

	return nil
}

// disarmLocked tears down the host side entirely (guest disabled the
// capability). Idempotent: calling it twice is a no-op the second time.
func (c *Capability) disarmLocked() error {
	if !c.hostState.has(StateEnabled) && c.hostState.has(StateEmpty) {
		return nil
	}

	if err := c.bridge.disarm(); err != nil {
		return err
	}

	for i := range c.vectors {
		v := &c.vectors[i]
		if v.gsi >= 0 {
			if err := c.router.RemoveMSIRoute(RouteKey{DeviceID: c.deviceID, Vector: i}); err != nil {
				c.logger.Warn("vfio: remove msi route failed during disarm", "vector", i, "err", err)
			}
		}
		v.hostState = StateMasked | StateEmpty
		v.gsi = -1
	}

	c.hostState = StateMasked | StateEmpty
	return nil
}

// Disarm is the exported, externally-lockable equivalent used by the mode
// controller when tearing the capability down wholesale (e.g. on device
// teardown or when a competing mode takes over).
func (c *Capability) Disarm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disarmLocked()
}

// Enabled reports whether host_state.ENABLED is currently set — used by
// the mode controller's mutual-exclusion check (testable invariant: at
// most one of {INTx, MSI, MSI-X} has host_state.ENABLED at any instant).
func (c *Capability) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostState.has(StateEnabled)
}

// VectorMaskRouteInvariant checks, for every vector, host_state.MASKED
// <=> no route installed. Exported for tests exercising the testable
// property directly; production code never needs it.
func (c *Capability) VectorMaskRouteInvariant() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.vectors {
		routeInstalled := v.eventfd >= 0 && !v.hostState.has(StateMasked)
		if v.hostState.has(StateMasked) == routeInstalled {
			return fmt.Errorf("vfio: vector %d violates mask/route invariant: hostMasked=%v routeInstalled=%v",
				i, v.hostState.has(StateMasked), routeInstalled)
		}
	}
	return nil
}

// allocEventFD is overridable in tests.
var allocEventFD = func() (int32, error) {
	fd, err := newEventFD()
	return int32(fd), err
}
