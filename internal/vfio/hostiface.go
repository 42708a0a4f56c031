package vfio

import "github.com/tinyrange/vfiopt/internal/hv"

// InterruptRouter is the subset of the host virtualization interface (§6)
// this package depends on. A production implementation is backed by
// internal/hv/kvm; tests use an in-memory fake.
type InterruptRouter interface {
	// RegisterMMIO installs a callback for guest-physical range [addr, addr+size).
	RegisterMMIO(dev hv.MemoryMappedIODevice) error
	UnregisterMMIO(dev hv.MemoryMappedIODevice) error

	// AddMSIRoute installs or updates an MSI-X/MSI route and returns its GSI.
	// Calling again with the same vector key updates the existing route.
	AddMSIRoute(key RouteKey, addr uint64, data uint32) (gsi int, err error)
	RemoveMSIRoute(key RouteKey) error

	// AddIRQFD binds a GSI to a trigger eventfd and an optional resample
	// (unmask) eventfd.
	AddIRQFD(gsi int, triggerFd int, resampleFd int) error
	RemoveIRQFD(gsi int, triggerFd int) error

	// SetIRQLevel asserts or deasserts a legacy INTx line directly (used when
	// no eventfd-based IRQFD path is available on the running backend).
	SetIRQLevel(gsi int, level bool) error
}

// RouteKey identifies one MSI/MSI-X route within a device for update/remove.
type RouteKey struct {
	DeviceID string
	Vector   int
}

// VCPUFeatureController exposes the vCPU-init-time feature negotiation and
// capability-extension query named in §6: CheckExtension/RequestFeature let a
// caller validate and record the optional features (EL1-32BIT, PMUv3,
// pointer authentication, SVE) a guest CPU should be initialized with,
// before a VM is created; FinalizeSVE records the vector-length ceiling for
// the clamp that happens automatically at vCPU-init time. Implemented by
// internal/hv/kvm on arm64.
type VCPUFeatureController interface {
	CheckExtension(name string) (bool, error)
	RequestFeature(cpu int, name string) error
	FinalizeSVE(cpu int, maxVQ int) error
}

// HostDevice is the host IOMMU/device-framework dependency (§6): region and
// IRQ discovery, the variable-length SET_IRQS ioctl, and raw pread/pwrite
// against the device fd. internal/vfio/ioctl_linux.go implements this
// against a real VFIO device fd; tests use an in-memory fake.
type HostDevice interface {
	GetRegionInfo(index int) (RegionInfo, error)
	GetIRQInfo(index int) (IRQInfo, error)

	SetIRQs(req SetIRQsRequest) error

	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	Fd() int
}

// RegionInfo mirrors struct vfio_region_info.
type RegionInfo struct {
	Index  int
	Flags  uint32
	Size   uint64
	Offset uint64
}

const (
	RegionInfoFlagRead  uint32 = 1 << 0
	RegionInfoFlagWrite uint32 = 1 << 1
	RegionInfoFlagMmap  uint32 = 1 << 2
)

// IRQInfo mirrors struct vfio_irq_info.
type IRQInfo struct {
	Index int
	Flags uint32
	Count uint32
}

// IRQ indices, matching VFIO_PCI_*_IRQ_INDEX.
const (
	IRQIndexINTX = 0
	IRQIndexMSI  = 1
	IRQIndexMSIX = 2
	IRQIndexErr  = 3
	IRQIndexReq  = 4
)

// SetIRQsAction mirrors the VFIO_IRQ_SET_ACTION_* bits.
type SetIRQsAction uint32

const (
	ActionMask SetIRQsAction = 1 << (iota + 3)
	ActionUnmask
	ActionTrigger
)

// SetIRQsDataType mirrors the VFIO_IRQ_SET_DATA_* bits.
type SetIRQsDataType uint32

const (
	DataNone SetIRQsDataType = 1 << iota
	DataBool
	DataEventFD
)

// SetIRQsRequest is the variable-length VFIO_DEVICE_SET_IRQS payload (§6).
type SetIRQsRequest struct {
	Index  int
	Start  int
	Action SetIRQsAction
	Data   SetIRQsDataType
	// EventFDs is the trailing fd array when Data == DataEventFD. A value
	// of -1 at a given slot means "leave unassigned" / "disable this one".
	EventFDs []int32
}
