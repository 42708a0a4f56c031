//go:build linux

package vfio

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// irqFdsNeeded is the process-lifetime running total of nrEntries ever
// requested across every call to reserveIRQFds, mirroring the static
// size_t needed accumulator in vfio_pci_reserve_irq_fds (original C):
// every MSI/MSI-X capability across every device in the process
// contributes to one shared floor, rather than each call computing its
// own independent 128+nrEntries.
var (
	irqFdsMu     sync.Mutex
	irqFdsNeeded uint64 = 128
)

// reserveIRQFds raises the process's soft RLIMIT_NOFILE to
// 128 + sum(nrEntries) across every call made so far, if it is currently
// below that, so that MSI-X devices with large vector counts don't run
// the host process out of fd table space. Best-effort: the device
// proceeds even if the raise fails, matching vfio_pci_reserve_irq_fds in
// the original implementation — a later MSI-X enable may then fail with a
// warning instead.
func reserveIRQFds(logger *slog.Logger, nrEntries int) {
	irqFdsMu.Lock()
	irqFdsNeeded += uint64(nrEntries)
	want := irqFdsNeeded
	irqFdsMu.Unlock()

	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		logger.Warn("vfio: get RLIMIT_NOFILE failed", "err", err)
		return
	}

	if rlimit.Cur >= want {
		return
	}

	newLimit := rlimit
	newLimit.Cur = want
	if newLimit.Cur > newLimit.Max {
		newLimit.Cur = newLimit.Max
	}

	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &newLimit); err != nil {
		logger.Warn("vfio: raise RLIMIT_NOFILE failed, MSI-X enable may fail later", "want", want, "cur", rlimit.Cur, "err", err)
	}
}
