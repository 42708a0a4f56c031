package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vfiopt/internal/hv"
	"github.com/tinyrange/vfiopt/internal/vfio"
)

// manifest describes one VFIO-PCI passthrough attachment and the guest VM
// it is attached into. Every field can also be set or overridden from the
// command line; flags take precedence over the loaded file so a manifest
// can be reused across slightly different hosts.
type manifest struct {
	// Group is the IOMMU group number the device was bound to vfio-pci
	// under (the "N" in /dev/vfio/N).
	Group int `yaml:"group"`
	// BDF is the device's kernel-visible bus address, e.g. "0000:01:00.0".
	BDF string `yaml:"bdf"`

	Kernel  string `yaml:"kernel"`
	Cmdline string `yaml:"cmdline"`

	Arch   string `yaml:"arch"`
	CPUs   int    `yaml:"cpus"`
	Memory int    `yaml:"memory_mb"`

	// MMIOBase/MMIOSize bound the guest-physical window the BarManager's
	// allocator hands out BARs from; IOBase/IOSize do the same for legacy
	// x86 port-space BARs (ignored on arm64 guests).
	MMIOBase uint64 `yaml:"mmio_base"`
	MMIOSize uint64 `yaml:"mmio_size"`
	IOBase   uint64 `yaml:"io_base"`
	IOSize   uint64 `yaml:"io_size"`

	// AArch32Guest/PMUv3/SVEMaxVQ request optional arm64 vCPU features;
	// ignored for amd64 guests.
	AArch32Guest bool `yaml:"aarch32_guest"`
	PMUv3        bool `yaml:"pmuv3"`
	SVEMaxVQ     int  `yaml:"sve_max_vq"`
}

func defaultManifest() manifest {
	return manifest{
		Cmdline:  "console=ttyS0 panic=-1",
		CPUs:     1,
		Memory:   512,
		MMIOBase: 0xc0000000,
		MMIOSize: 0x10000000,
		IOBase:   0xc000,
		IOSize:   0x4000,
	}
}

func loadManifest(path string) (manifest, error) {
	m := defaultManifest()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("vfio-attach: read manifest %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("vfio-attach: parse manifest %s: %w", path, err)
	}
	return m, nil
}

func (m manifest) validate() error {
	if m.Group < 0 {
		return fmt.Errorf("vfio-attach: -group (or manifest group:) is required")
	}
	if m.BDF == "" {
		return fmt.Errorf("vfio-attach: -bdf (or manifest bdf:) is required")
	}
	if m.Kernel == "" {
		return fmt.Errorf("vfio-attach: -kernel (or manifest kernel:) is required")
	}
	if m.CPUs <= 0 {
		return fmt.Errorf("vfio-attach: cpus must be positive, got %d", m.CPUs)
	}
	if m.Memory <= 0 {
		return fmt.Errorf("vfio-attach: memory_mb must be positive, got %d", m.Memory)
	}
	return nil
}

// parsedBDF breaks the kernel's dotted bus-address form ("0000:01:00.0" or
// the short "01:00.0") down into the Bus/Device/Function fields vfio.BDF
// wants purely for log tagging.
func parsedBDF(s string) (vfio.BDF, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return vfio.BDF{}, fmt.Errorf("vfio-attach: malformed bdf %q", s)
	}

	devFunc := strings.SplitN(parts[len(parts)-1], ".", 2)
	if len(devFunc) != 2 {
		return vfio.BDF{}, fmt.Errorf("vfio-attach: malformed bdf %q", s)
	}

	bus, err := strconv.ParseUint(parts[len(parts)-2], 16, 8)
	if err != nil {
		return vfio.BDF{}, fmt.Errorf("vfio-attach: malformed bdf %q: %w", s, err)
	}
	dev, err := strconv.ParseUint(devFunc[0], 16, 8)
	if err != nil {
		return vfio.BDF{}, fmt.Errorf("vfio-attach: malformed bdf %q: %w", s, err)
	}
	fn, err := strconv.ParseUint(devFunc[1], 16, 8)
	if err != nil {
		return vfio.BDF{}, fmt.Errorf("vfio-attach: malformed bdf %q: %w", s, err)
	}

	return vfio.BDF{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

func parseArchitecture(name string) (hv.CpuArchitecture, error) {
	switch name {
	case "", "amd64", "x86_64":
		return hv.ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return hv.ArchitectureARM64, nil
	case "riscv64":
		return hv.ArchitectureRISCV64, nil
	default:
		return hv.ArchitectureInvalid, fmt.Errorf("vfio-attach: unsupported -arch %q", name)
	}
}
