// Command vfio-attach binds a vfio-pci bound host device into a freshly
// booted guest VM: it runs the VFIO container/group bootstrap, boots a
// minimal Linux guest through internal/linux/boot, and wires the device's
// config space, BARs and interrupts into the running VM via internal/vfio.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vfiopt/internal/hv"
	"github.com/tinyrange/vfiopt/internal/hv/factory"
	"github.com/tinyrange/vfiopt/internal/hv/kvm"
	"github.com/tinyrange/vfiopt/internal/ir"
	"github.com/tinyrange/vfiopt/internal/linux/boot"
	"github.com/tinyrange/vfiopt/internal/rtg"
	"github.com/tinyrange/vfiopt/internal/vfio"
)

func main() {
	if runtime.GOOS == "darwin" {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Path to a device manifest (YAML)")
	group := fs.Int("group", -1, "IOMMU group number of the device to attach")
	bdfFlag := fs.String("bdf", "", "PCI bus address of the device, e.g. 0000:01:00.0")
	kernelPath := fs.String("kernel", "", "Path to the guest Linux kernel image")
	cmdline := fs.String("cmdline", "", "Guest kernel command line")
	cpus := fs.Int("cpus", 0, "Number of guest vCPUs")
	memoryMB := fs.Int("memory", 0, "Guest memory size in MB")
	archFlag := fs.String("arch", "", "Guest architecture: amd64 or arm64")
	quiet := fs.Bool("quiet", false, "Suppress the bring-up progress bar")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config manifest.yml [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Attach a VFIO-bound PCI device to a lightweight guest VM.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	m, err := loadManifest(*configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(fs, &m, *group, *bdfFlag, *kernelPath, *cmdline, *cpus, *memoryMB, *archFlag)

	if err := m.validate(); err != nil {
		return err
	}

	bdf, err := parsedBDF(m.BDF)
	if err != nil {
		return err
	}

	arch, err := parseArchitecture(m.Arch)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	bar := progressbar.NewOptions(5,
		progressbar.OptionSetDescription("vfio-attach"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(!*quiet),
	)
	step := func(msg string) {
		bar.Describe(msg)
		bar.Add(1)
	}

	if err := checkFeatureRequirements(m); err != nil {
		return err
	}
	step("checking host capabilities")

	bound, err := bindVFIODevice(m.Group, m.BDF)
	if err != nil {
		return err
	}
	defer bound.Close()
	step(fmt.Sprintf("bound device %s (group %d)", m.BDF, m.Group))

	hyp, err := factory.OpenWithArchitecture(arch)
	if err != nil {
		return fmt.Errorf("vfio-attach: open hypervisor: %w", err)
	}
	defer hyp.Close()

	loader, err := buildLoader(hyp, m)
	if err != nil {
		return err
	}
	step("booting guest kernel")

	vm, err := hyp.NewVirtualMachine(loader)
	if err != nil {
		return fmt.Errorf("vfio-attach: create virtual machine: %w", err)
	}
	defer vm.Close()

	router, err := kvm.NewVFIORouter(vm)
	if err != nil {
		return fmt.Errorf("vfio-attach: build interrupt router: %w", err)
	}

	// ArchIRQOffset translates the config-space irqLine byte into a GSI; on
	// both backends here the legacy INTx line already matches the GSI
	// numbering kvm_gsi.go's static routing (amd64) or the vGIC (arm64)
	// expects, so no adjustment is needed.
	dc, err := vfio.Setup(vfio.SetupOptions{
		BDF:           bdf,
		Host:          vfio.NewDeviceFd(bound.deviceFd),
		Router:        router,
		Allocator:     vfio.NewLinearAllocator(m.MMIOBase, m.MMIOSize, m.IOBase, m.IOSize),
		ArchIRQOffset: 0,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("vfio-attach: device setup: %w", err)
	}
	defer func() {
		if err := dc.Teardown(); err != nil {
			logger.Warn("vfio-attach: teardown failed", "err", err)
		}
	}()
	step(fmt.Sprintf("device %s online", bdf))

	runCfg, err := loader.RunConfig()
	if err != nil {
		return fmt.Errorf("vfio-attach: build run config: %w", err)
	}
	step("running guest")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := vm.Run(ctx, runCfg); err != nil {
		return fmt.Errorf("vfio-attach: vm run: %w", err)
	}
	bar.Finish()
	return nil
}

// applyFlagOverrides layers any explicitly-passed flag over the loaded
// manifest, flag-by-flag, so an unset flag never clobbers a manifest value
// with a zero default.
func applyFlagOverrides(fs *flag.FlagSet, m *manifest, group int, bdf, kernel, cmdline string, cpus, memoryMB int, arch string) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["group"] {
		m.Group = group
	}
	if set["bdf"] {
		m.BDF = bdf
	}
	if set["kernel"] {
		m.Kernel = kernel
	}
	if set["cmdline"] {
		m.Cmdline = cmdline
	}
	if set["cpus"] {
		m.CPUs = cpus
	}
	if set["memory"] {
		m.Memory = memoryMB
	}
	if set["arch"] {
		m.Arch = arch
	}
}

// checkFeatureRequirements rejects a manifest up front, before a single
// ioctl runs, if the running kernel is known to predate a requested arm64
// vCPU feature.
func checkFeatureRequirements(m manifest) error {
	var release unix.Utsname
	if err := unix.Uname(&release); err != nil {
		return fmt.Errorf("vfio-attach: uname: %w", err)
	}
	hostRelease := unix.ByteSliceToString(release.Release[:])

	if m.AArch32Guest {
		if err := vfio.CheckFeatureVersion(hostRelease, "el1-32bit"); err != nil {
			return err
		}
	}
	if m.PMUv3 {
		if err := vfio.CheckFeatureVersion(hostRelease, "pmu-v3"); err != nil {
			return err
		}
	}
	if m.SVEMaxVQ > 0 {
		if err := vfio.CheckFeatureVersion(hostRelease, "sve"); err != nil {
			return err
		}
	}
	return nil
}

// buildLoader assembles the LinuxLoader that boots the guest: a fixed
// command line, a kernel file opened from disk, and a tiny init program
// compiled from RTG DSL source that brings up a console and hostname and
// then idles, since the passthrough device itself is the point of the VM,
// not whatever workload the guest userspace would otherwise run.
func buildLoader(hyp hv.Hypervisor, m manifest) (*boot.LinuxLoader, error) {
	kernelFile, err := os.Open(m.Kernel)
	if err != nil {
		return nil, fmt.Errorf("vfio-attach: open kernel %s: %w", m.Kernel, err)
	}

	initProgram, err := rtg.CompileProgram(initSource)
	if err != nil {
		return nil, fmt.Errorf("vfio-attach: compile init program: %w", err)
	}

	return &boot.LinuxLoader{
		NumCPUs:            m.CPUs,
		MemSize:            uint64(m.Memory) << 20,
		MemBase:            archMemoryBase(hyp.Architecture()),
		AArch32Guest:       m.AArch32Guest,
		PMUv3:              m.PMUv3,
		SVEVectorLengthMax: m.SVEMaxVQ,
		SerialStdout:       os.Stdout,

		GetCmdline: func(arch hv.CpuArchitecture) ([]string, error) {
			return []string{m.Cmdline}, nil
		},
		GetInit: func(arch hv.CpuArchitecture) (*ir.Program, error) {
			return initProgram, nil
		},
		GetKernel: func() (io.ReaderAt, int64, error) {
			info, err := kernelFile.Stat()
			if err != nil {
				return nil, 0, fmt.Errorf("stat kernel: %w", err)
			}
			return kernelFile, info.Size(), nil
		},
	}, nil
}

func archMemoryBase(arch hv.CpuArchitecture) uint64 {
	if arch == hv.ArchitectureARM64 {
		return 0x80000000
	}
	return 0
}

const initSource = `package main

import "github.com/tinyrange/vfiopt/internal/rtg/runtime"

func main() int64 {
	ptr, length := runtime.EmbedCString("vfio-guest")
	runtime.Syscall(runtime.SYS_SETHOSTNAME, ptr, length)

	runtime.Printf("vfio-attach: guest online, device passthrough active\n")

	for {
	}

	return 0
}
`
