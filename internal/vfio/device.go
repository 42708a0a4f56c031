// Package vfio implements the VFIO-PCI device passthrough core: PCI
// configuration-space and BAR virtualization, MSI-X table/PBA emulation,
// and the shared MSI/MSI-X/INTx interrupt state machine that bridges a
// physical PCI function (surrendered to the host IOMMU framework) into a
// guest virtual machine.
package vfio

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// BDF identifies a PCI device by bus/device/function, used only to tag
// log lines and route keys.
type BDF struct {
	Bus, Device, Function uint8
}

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus, b.Device, b.Function)
}

// DeviceContext is the top-level record tying a device fd, the virtual
// header, all capability state, the BAR region array and the INTx fds
// together (spec §3).
type DeviceContext struct {
	bdf    BDF
	host   HostDevice
	router InterruptRouter
	logger *slog.Logger

	config *ConfigSpaceVirtualizer
	bars   *BarManager
	mode   *ModeController
	msi    *Capability
	msix   *Capability

	msixTable MsixTableDescriptor
	msixPba   MsixPbaDescriptor
	msixEmu   *MsixEmulator
}

// SetupOptions configures one device's passthrough bring-up.
type SetupOptions struct {
	BDF           BDF
	Host          HostDevice
	Router        InterruptRouter
	Allocator     Allocator
	ArchIRQOffset uint32
	Logger        *slog.Logger
}

// Setup runs the full init sequence from spec §2's data flow: D reads
// real config space and parses caps, invokes C to build the MSI-X table
// model and B to initialize MSI state, E sizes BARs and reserves
// guest-physical windows, F queries IRQ info and allocates eventfds. The
// virtual header is written back to the device.
func Setup(opts SetupOptions) (*DeviceContext, error) {
	logger := opts.Logger.With("bdf", opts.BDF.String())

	cfgRegion, err := opts.Host.GetRegionInfo(regionIndexConfig)
	if err != nil {
		return nil, setupFatalf("setup", "get config region info: %w", err)
	}

	cv, err := NewConfigSpaceVirtualizer(opts.Host, cfgRegion, logger)
	if err != nil {
		return nil, err
	}

	dc := &DeviceContext{bdf: opts.BDF, host: opts.Host, router: opts.Router, logger: logger, config: cv}

	bars := NewBarManager(opts.Host, opts.Allocator, opts.Router, logger)
	if err := bars.DiscoverBARs(); err != nil {
		return nil, err
	}
	dc.bars = bars

	var msi, msix *Capability
	irqModes := cv.IRQModes()

	if irqModes&irqModeMSI != 0 {
		info, err := opts.Host.GetIRQInfo(IRQIndexMSI)
		if err != nil {
			return nil, setupFatalf("setup", "get msi irq info: %w", err)
		}
		msi = NewCapability("msi", opts.BDF.String(), 0, info, opts.Host, opts.Router, logger)
		reserveIRQFds(logger, msi.NrEntries())
	}

	if irqModes&irqModeMSIX != 0 {
		info, err := opts.Host.GetIRQInfo(IRQIndexMSIX)
		if err != nil {
			return nil, setupFatalf("setup", "get msix irq info: %w", err)
		}
		msix = NewCapability("msix", opts.BDF.String(), 0, info, opts.Host, opts.Router, logger)
		reserveIRQFds(logger, msix.NrEntries())

		table := NewMsixTableDescriptor(0, 0, msix.NrEntries())
		pba := NewMsixPbaDescriptor(0, uint32(cfgRegion.Offset), uint32(table.Size), msix.NrEntries())
		if err := bars.ReserveMsixWindow(&table, &pba); err != nil {
			return nil, err
		}
		dc.msixTable, dc.msixPba = table, pba

		dc.msixEmu = NewMsixEmulator(msix, table, pba, opts.Host, logger)
		bars.AttachMsixEmulator(table.Bar, dc.msixEmu)
	}

	dc.msi, dc.msix = msi, msix

	intxInfo, _ := opts.Host.GetIRQInfo(IRQIndexINTX)
	supportsINTx := intxInfo.Count > 0
	if supportsINTx {
		irqModes |= irqModeINTX
	}

	irqLine := uint32(cv.Header().raw[0x3c])
	mode := NewModeController(opts.Host, opts.Router, opts.BDF.String(), irqLine, opts.ArchIRQOffset, supportsINTx, logger)
	mode.AttachCapabilities(msi, msix)
	dc.mode = mode

	cv.AttachCapabilityState(msi, msix, mode, bars.bars)
	cv.FixupBARs()
	if err := cv.WriteBack(); err != nil {
		return nil, err
	}

	if supportsINTx && irqModes&(irqModeMSI|irqModeMSIX) == 0 {
		if err := mode.EnableINTx(); err != nil {
			logger.Warn("vfio: initial intx arm failed", "err", err)
		}
	}

	logger.Info("vfio: device setup complete", "irq_modes", irqModes)
	return dc, nil
}

const regionIndexConfig = 7 // VFIO_PCI_CONFIG_REGION_INDEX

// Teardown disarms MSI, MSI-X and INTx concurrently via errgroup, matching
// the teacher's internal/oci fan-out-join idiom, then unregisters the
// MSI-X window's MMIO handler. It does not close the per-vector or INTx
// eventfds, and pass-through BAR handlers stay registered.
func (dc *DeviceContext) Teardown() error {
	var g errgroup.Group

	if dc.msi != nil {
		g.Go(dc.msi.Disarm)
	}
	if dc.msix != nil {
		g.Go(dc.msix.Disarm)
	}
	g.Go(func() error { return dc.mode.DisableINTx() })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("vfio: teardown %s: %w", dc.bdf, err)
	}

	if dc.msixEmu != nil {
		if err := dc.bars.Deactivate(dc.msixTable.Bar); err != nil {
			dc.logger.Warn("vfio: deactivate msix window failed", "err", err)
		}
	}

	return nil
}

func (dc *DeviceContext) ConfigSpace() *ConfigSpaceVirtualizer { return dc.config }
func (dc *DeviceContext) Bars() *BarManager                    { return dc.bars }
func (dc *DeviceContext) Mode() *ModeController                { return dc.mode }
