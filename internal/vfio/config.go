package vfio

import (
	"encoding/binary"
	"log/slog"
)

// Real PCI capability IDs (dropped/retained decision in the parse walk).
const (
	capIDPowerMgmt = 0x01
	capIDMSI       = 0x05
	capIDVendor    = 0x09
	capIDPCIExpress = 0x10
	capIDMSIX      = 0x11
)

// Capability byte sizes. MSI is variable-length depending on its control
// bits (64-bit-address capable, per-vector-masking capable); MSI-X and the
// root-endpoint-legacy slice of PCI-Express we retain are fixed. These
// come from the original C implementation's vfio_pci_cap_size, not from
// spec.md (which only says "copy") — see SPEC_FULL.md's supplemented
// features.
const (
	msiCapSize10 = 10 // no 64-bit address, no per-vector masking
	msiCapSize14 = 14 // 64-bit address, no per-vector masking
	msiCapSize20 = 20 // per-vector masking, 32-bit address
	msiCapSize24 = 24 // 64-bit address AND per-vector masking

	msixCapSize = 12
	pcieCapSize = 12 // root-endpoint legacy v1: we omit link/slot/root fields
)

const (
	msiCtrl64BitCapable   = 1 << 7
	msiCtrlPerVectorMask  = 1 << 8
	msixCtrlEnable        = 1 << 15
	msixCtrlFunctionMask  = 1 << 14
	msixCtrlTableSizeMask = 0x07ff

	pciStatusCapList  = 1 << 4
	pciHeaderTypeMask = 0x7f
	pciHeaderTypeNormal = 0x00
	pciHeaderMultiFunc  = 1 << 7
)

func msiCapSize(ctrl uint16) int {
	has64 := ctrl&msiCtrl64BitCapable != 0
	hasMask := ctrl&msiCtrlPerVectorMask != 0
	switch {
	case has64 && hasMask:
		return msiCapSize24
	case hasMask:
		return msiCapSize20
	case has64:
		return msiCapSize14
	default:
		return msiCapSize10
	}
}

// capRecord is one retained entry while walking the real device's
// capability chain.
type capRecord struct {
	id     byte
	offset int // position in the *virtual* scratch buffer (same as source offset)
	size   int
}

// CapabilityChain is the ordered, offset-linked sequence described in
// spec §3 / §9: a singly-linked list living inside a fixed 256-byte byte
// array, linked by offsets rather than pointers so it survives being
// written back to the device fd verbatim.
type CapabilityChain struct {
	buf     [192]byte // bytes [0x40, 0x100)
	records []capRecord
}

// parseCapabilities walks the real device's capability chain starting at
// caps_ptr & ~3, retaining MSI, MSI-X and PCI-Express entries and dropping
// everything else (spec §4.D parse phase).
func parseCapabilities(rawHeader [256]byte, capsPtr uint8) (*CapabilityChain, int, int, error) {
	chain := &CapabilityChain{}
	irqModes := 0
	msiPos, msixPos := -1, -1

	var prevLinkOffset = -1 // offset in chain.buf of the `next` byte of the last retained cap
	nextWriteOffset := 0

	ptr := capsPtr & ^uint8(3)
	visited := map[uint8]bool{}

	for ptr != 0 {
		if int(ptr) >= len(rawHeader)-1 || visited[ptr] {
			return nil, 0, 0, setupFatalf("parse_caps", "capability chain malformed at offset 0x%x", ptr)
		}
		visited[ptr] = true

		id := rawHeader[ptr]
		next := rawHeader[ptr+1]

		var size int
		var retain bool
		switch id {
		case capIDMSI:
			ctrl := binary.LittleEndian.Uint16(rawHeader[ptr+2:])
			size = msiCapSize(ctrl)
			retain = true
		case capIDMSIX:
			size = msixCapSize
			retain = true
		case capIDPCIExpress:
			size = pcieCapSize
			retain = true
		default:
			retain = false
		}

		if retain {
			if nextWriteOffset+size > len(chain.buf) {
				return nil, 0, 0, setupFatalf("parse_caps", "capability chain exceeds 256-byte config space")
			}
			dstOff := int(ptr) - 0x40 // scratch buffer is bytes [0x40,0x100)
			if dstOff < 0 || dstOff+size > len(chain.buf) {
				return nil, 0, 0, setupFatalf("parse_caps", "capability at 0x%x out of the standard config range", ptr)
			}
			copy(chain.buf[dstOff:dstOff+size], rawHeader[ptr:int(ptr)+size])

			if prevLinkOffset >= 0 {
				chain.buf[prevLinkOffset] = byte(dstOff + 0x40)
			}
			prevLinkOffset = dstOff + 1 // the `next` byte of this record

			chain.records = append(chain.records, capRecord{id: id, offset: dstOff + 0x40, size: size})

			switch id {
			case capIDMSI:
				irqModes |= irqModeMSI
				msiPos = dstOff + 0x40
			case capIDMSIX:
				irqModes |= irqModeMSIX
				msixPos = dstOff + 0x40
			}
		}

		ptr = next & ^uint8(3)
	}

	if prevLinkOffset >= 0 {
		chain.buf[prevLinkOffset] = 0
	}

	return chain, msiPos, msixPos, nil
}

const (
	irqModeINTX = 1 << 0
	irqModeMSI  = 1 << 1
	irqModeMSIX = 1 << 2
)

// PciVirtualHeader is the mutable mirror of the guest-visible 256-byte
// legacy PCI configuration space (spec §3).
type PciVirtualHeader struct {
	raw [256]byte
}

func (h *PciVirtualHeader) VendorID() uint16  { return binary.LittleEndian.Uint16(h.raw[0:]) }
func (h *PciVirtualHeader) DeviceID() uint16  { return binary.LittleEndian.Uint16(h.raw[2:]) }
func (h *PciVirtualHeader) setVendorDevice(vendor, device uint16) {
	binary.LittleEndian.PutUint16(h.raw[0:], vendor)
	binary.LittleEndian.PutUint16(h.raw[2:], device)
}

func (h *PciVirtualHeader) command() uint16 { return binary.LittleEndian.Uint16(h.raw[4:]) }
func (h *PciVirtualHeader) setCommand(v uint16) { binary.LittleEndian.PutUint16(h.raw[4:], v) }
func (h *PciVirtualHeader) status() uint16   { return binary.LittleEndian.Uint16(h.raw[6:]) }
func (h *PciVirtualHeader) setStatus(v uint16) { binary.LittleEndian.PutUint16(h.raw[6:], v) }

func (h *PciVirtualHeader) setCapabilitiesPointer(ptr uint8) {
	h.raw[0x34] = ptr
	st := h.status()
	if ptr != 0 {
		st |= pciStatusCapList
	} else {
		st &^= pciStatusCapList
	}
	h.setStatus(st)
}

func (h *PciVirtualHeader) capabilitiesPointer() uint8 { return h.raw[0x34] }

func (h *PciVirtualHeader) forceHeaderType() {
	ht := h.raw[0x0e]
	ht &= pciHeaderTypeMask
	ht &^= pciHeaderMultiFunc
	ht = pciHeaderTypeNormal // only "Type 0 / normal" is supported (Non-goal: multi-function devices)
	h.raw[0x0e] = ht
}

func (h *PciVirtualHeader) barSlot(i int) uint32 {
	return binary.LittleEndian.Uint32(h.raw[0x10+i*4:])
}

func (h *PciVirtualHeader) setBarSlot(i int, v uint32) {
	binary.LittleEndian.PutUint32(h.raw[0x10+i*4:], v)
}

func (h *PciVirtualHeader) zeroExpansionROMAndCardbus() {
	for i := 0x28; i < 0x2c; i++ {
		h.raw[i] = 0 // cardbus CIS pointer
	}
	for i := 0x30; i < 0x34; i++ {
		h.raw[i] = 0 // expansion ROM base
	}
}

// ConfigSpaceVirtualizer is Component D. It owns the real device fd, the
// parsed capability chain, and the virtual header, and proxies guest
// config-space reads/writes.
type ConfigSpaceVirtualizer struct {
	host     HostDevice
	header   PciVirtualHeader
	chain    *CapabilityChain
	cfgOff   uint64 // region offset of config space within the device fd
	irqModes int

	msi   *Capability
	msix  *Capability
	mode  *ModeController

	bars [6]*BarRegion

	logger *slog.Logger
}

// NewConfigSpaceVirtualizer runs the parse and fixup phases described in
// spec §4.D and returns a ready-to-use virtualizer.
func NewConfigSpaceVirtualizer(host HostDevice, cfgRegion RegionInfo, logger *slog.Logger) (*ConfigSpaceVirtualizer, error) {
	var raw [256]byte
	if _, err := host.ReadAt(raw[:], int64(cfgRegion.Offset)); err != nil {
		return nil, setupFatalf("config_read", "read legacy header: %w", err)
	}

	headerType := raw[0x0e] & pciHeaderTypeMask
	if headerType != pciHeaderTypeNormal {
		return nil, setupFatalf("config_parse", "unsupported header type 0x%x (only Type 0 / normal)", headerType)
	}

	status := binary.LittleEndian.Uint16(raw[6:])
	var chain *CapabilityChain
	var msiPos, msixPos = -1, -1
	irqModes := 0
	if status&pciStatusCapList != 0 {
		var err error
		chain, msiPos, msixPos, err = parseCapabilities(raw, raw[0x34])
		if err != nil {
			return nil, err
		}
		for _, r := range chain.records {
			switch r.id {
			case capIDMSI:
				irqModes |= irqModeMSI
			case capIDMSIX:
				irqModes |= irqModeMSIX
			}
		}
	} else {
		chain = &CapabilityChain{}
	}

	cv := &ConfigSpaceVirtualizer{
		host:     host,
		chain:    chain,
		cfgOff:   cfgRegion.Offset,
		irqModes: irqModes,
		logger:   logger,
	}
	copy(cv.header.raw[:], raw[:])
	cv.header.forceHeaderType()

	// bytes [0x40,0x100) come from the rewritten scratch buffer, implicitly
	// zeroing unretained capability regions.
	copy(cv.header.raw[0x40:0x100], chain.buf[:])

	if len(chain.records) > 0 {
		cv.header.setCapabilitiesPointer(chain.records[0].offset0Adjusted())
	} else {
		cv.header.setCapabilitiesPointer(0)
	}

	_ = msiPos
	_ = msixPos

	return cv, nil
}

// offset0Adjusted exists only because capRecord.offset already stores the
// absolute virtual-header offset; kept as a tiny method so the call site
// above reads naturally.
func (r capRecord) offset0Adjusted() uint8 { return uint8(r.offset) }

// AttachCapabilityState wires the MSI/MSI-X Capability state machines
// (Component B) built from this chain's records, and the BAR array
// (Component E), so write callbacks can dispatch into them.
func (cv *ConfigSpaceVirtualizer) AttachCapabilityState(msi, msix *Capability, mode *ModeController, bars [6]*BarRegion) {
	cv.msi = msi
	cv.msix = msix
	cv.mode = mode
	cv.bars = bars
}

// FixupBARs synthesizes each BAR value from the region's is-ioport flag
// and assigned base, zeroing the upper half of 64-bit pairs, per §4.D
// fixup phase. Must run after BAR discovery (Component E) has populated
// cv.bars.
func (cv *ConfigSpaceVirtualizer) FixupBARs() {
	for i := 0; i < 6; i++ {
		b := cv.bars[i]
		if b == nil {
			cv.header.setBarSlot(i, 0)
			continue
		}
		if b.aliasOfHigh {
			cv.header.setBarSlot(i, 0) // upper half of a 64-bit pair
			continue
		}
		cv.header.setBarSlot(i, b.synthesize())
	}
	cv.header.zeroExpansionROMAndCardbus()
}

// WriteBack writes the completed virtual header back to the device fd at
// the config-space offset (end of the fixup phase).
func (cv *ConfigSpaceVirtualizer) WriteBack() error {
	if _, err := cv.host.WriteAt(cv.header.raw[:], int64(cv.cfgOff)); err != nil {
		return setupFatalf("config_writeback", "%w", err)
	}
	return nil
}

// ReadConfig implements the read callback (§4.D): a discard pread into
// the real device fd (some registers have side effects on read), then
// the value is served from the virtual header.
func (cv *ConfigSpaceVirtualizer) ReadConfig(offset uint16, size uint8) (uint32, error) {
	cv.lockForOffset(offset)
	defer cv.unlockForOffset(offset)

	var discard [8]byte
	if _, err := cv.host.ReadAt(discard[:size], int64(cv.cfgOff)+int64(offset)); err != nil {
		cv.logger.Warn("vfio: discard config read failed", "offset", offset, "err", err)
	}

	if int(offset)+int(size) > len(cv.header.raw) {
		return 0, accessBadf("config_read", "offset 0x%x+%d exceeds 256-byte header", offset, size)
	}

	var v uint32
	switch size {
	case 1:
		v = uint32(cv.header.raw[offset])
	case 2:
		v = uint32(binary.LittleEndian.Uint16(cv.header.raw[offset:]))
	case 4:
		v = binary.LittleEndian.Uint32(cv.header.raw[offset:])
	default:
		return 0, accessBadf("config_read", "unsupported access size %d", size)
	}
	return v, nil
}

// WriteConfig implements the write callback (§4.D). Expansion-ROM writes
// are ignored. All other writes are forwarded via pwrite to the device fd
// THEN the capability write handlers run (order matters, per spec), THEN
// a pread refreshes the virtual view.
func (cv *ConfigSpaceVirtualizer) WriteConfig(offset uint16, size uint8, value uint32) error {
	if offset >= 0x30 && offset < 0x34 {
		return nil // expansion-ROM register: ignored
	}

	cv.lockForOffset(offset)

	if int(offset)+int(size) > len(cv.header.raw) {
		cv.unlockForOffset(offset)
		return accessBadf("config_write", "offset 0x%x+%d exceeds 256-byte header", offset, size)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := cv.host.WriteAt(buf[:size], int64(cv.cfgOff)+int64(offset)); err != nil {
		cv.unlockForOffset(offset)
		return ioFailedf("config_write", "offset 0x%x: %w", offset, err)
	}

	switch size {
	case 1:
		cv.header.raw[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(cv.header.raw[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(cv.header.raw[offset:], value)
	}
	cv.unlockForOffset(offset)

	// The capability handlers take the capability mutex themselves.
	if err := cv.dispatchCapabilityWrite(offset); err != nil {
		return err
	}

	cv.lockForOffset(offset)
	defer cv.unlockForOffset(offset)

	var discard [4]byte
	if _, err := cv.host.ReadAt(discard[:size], int64(cv.cfgOff)+int64(offset)); err == nil {
		switch size {
		case 1:
			cv.header.raw[offset] = discard[0]
		case 2:
			binary.LittleEndian.PutUint16(cv.header.raw[offset:], binary.LittleEndian.Uint16(discard[:]))
		case 4:
			binary.LittleEndian.PutUint32(cv.header.raw[offset:], binary.LittleEndian.Uint32(discard[:]))
		}
	}

	return nil
}

// dispatchCapabilityWrite routes a config-space write into the MSI or
// MSI-X capability write handler if the offset falls within that
// capability's byte range (Component F's entry point into Component B).
func (cv *ConfigSpaceVirtualizer) dispatchCapabilityWrite(offset uint16) error {
	for _, r := range cv.chain.records {
		if int(offset) < r.offset || int(offset) >= r.offset+r.size {
			continue
		}
		switch r.id {
		case capIDMSI:
			return cv.handleMSIWrite(r, offset)
		case capIDMSIX:
			return cv.handleMSIXWrite(r, offset)
		}
	}
	return nil
}

func (cv *ConfigSpaceVirtualizer) handleMSIXWrite(r capRecord, offset uint16) error {
	if cv.msix == nil {
		return nil
	}
	ctrlOff := r.offset + 2
	if int(offset) < ctrlOff || int(offset) >= ctrlOff+2 {
		return nil
	}
	ctrl := binary.LittleEndian.Uint16(cv.header.raw[ctrlOff:])
	wantEnable := ctrl&msixCtrlEnable != 0
	wasEnabled := cv.mode != nil && cv.mode.AnyMSIEnabled()

	if wantEnable && !wasEnabled && cv.mode != nil {
		if err := cv.mode.EnteringMSIMode(); err != nil {
			cv.logger.Warn("vfio: tear down intx before msix enable failed", "err", err)
		}
	}

	if err := cv.msix.SetEnable(wantEnable); err != nil {
		cv.logger.Warn("vfio: msix enable transition failed", "err", err)
	}
	if err := cv.msix.SetMaskAll(ctrl&msixCtrlFunctionMask != 0); err != nil {
		cv.logger.Warn("vfio: msix mask-all transition failed", "err", err)
	}

	if !wantEnable && wasEnabled && cv.mode != nil {
		cv.mode.LeavingMSIMode()
	}
	return nil
}

func (cv *ConfigSpaceVirtualizer) handleMSIWrite(r capRecord, offset uint16) error {
	if cv.msi == nil {
		return nil
	}
	ctrlOff := r.offset + 2
	if int(offset) < ctrlOff || int(offset) >= ctrlOff+2 {
		return nil
	}
	ctrl := binary.LittleEndian.Uint16(cv.header.raw[ctrlOff:])
	wantEnable := ctrl&1 != 0
	wasEnabled := cv.mode != nil && cv.mode.AnyMSIEnabled()

	if wantEnable && !wasEnabled && cv.mode != nil {
		if err := cv.mode.EnteringMSIMode(); err != nil {
			cv.logger.Warn("vfio: tear down intx before msi enable failed", "err", err)
		}
	}

	if err := cv.msi.SetEnable(wantEnable); err != nil {
		cv.logger.Warn("vfio: msi enable transition failed", "err", err)
	}

	if !wantEnable && wasEnabled && cv.mode != nil {
		cv.mode.LeavingMSIMode()
	}
	return nil
}

// lockForOffset/unlockForOffset implement Open Question 1's decision
// (SPEC_FULL.md): take the owning capability's mutex when the access
// targets the MSI or MSI-X capability region, so config-space reads are
// serialized against concurrent MSI-X table writes from another vCPU.
func (cv *ConfigSpaceVirtualizer) lockForOffset(offset uint16) {
	if cap := cv.capabilityForOffset(offset); cap != nil {
		cap.mu.Lock()
	}
}

func (cv *ConfigSpaceVirtualizer) unlockForOffset(offset uint16) {
	if cap := cv.capabilityForOffset(offset); cap != nil {
		cap.mu.Unlock()
	}
}

func (cv *ConfigSpaceVirtualizer) capabilityForOffset(offset uint16) *Capability {
	for _, r := range cv.chain.records {
		if int(offset) < r.offset || int(offset) >= r.offset+r.size {
			continue
		}
		switch r.id {
		case capIDMSI:
			return cv.msi
		case capIDMSIX:
			return cv.msix
		}
	}
	return nil
}

// IRQModes reports which of MSI/MSI-X the device's capability chain
// carries. The INTx bit is never set here; device.go decides INTx support
// from the INTx vector count GET_IRQ_INFO reports.
func (cv *ConfigSpaceVirtualizer) IRQModes() int { return cv.irqModes }

func (cv *ConfigSpaceVirtualizer) Header() *PciVirtualHeader { return &cv.header }
