//go:build linux

package vfio

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VFIO UAPI ioctl numbers. These are plain _IO(VFIO_TYPE, VFIO_BASE+n)
// encodings (type ';' == 0x3b, base 100) — VFIO ioctls carry no direction
// or size bits, unlike KVM's, matching <linux/vfio.h>.
const (
	vfioType = 0x3b
	vfioBase = 100

	vfioDeviceGetRegionInfo = (vfioType << 8) | (vfioBase + 8)
	vfioDeviceGetIRQInfo    = (vfioType << 8) | (vfioBase + 9)
	vfioDeviceSetIRQs       = (vfioType << 8) | (vfioBase + 10)
)

// rawRegionInfo mirrors struct vfio_region_info.
type rawRegionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

// rawIRQInfo mirrors struct vfio_irq_info.
type rawIRQInfo struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Count uint32
}

// rawIRQSetHeader mirrors the fixed portion of struct vfio_irq_set; the
// trailing data array is packed separately since Go cannot express a
// flexible array member.
type rawIRQSetHeader struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

// deviceFd is the real HostDevice implementation, backed by an open VFIO
// device file descriptor (as returned by the IOMMU group's container/group
// binding dance, out of scope here per §1).
type deviceFd struct {
	fd int
}

// NewDeviceFd wraps an already-opened VFIO device fd.
func NewDeviceFd(fd int) HostDevice { return &deviceFd{fd: fd} }

func (d *deviceFd) Fd() int { return d.fd }

func (d *deviceFd) GetRegionInfo(index int) (RegionInfo, error) {
	req := rawRegionInfo{
		Argsz: uint32(unsafe.Sizeof(rawRegionInfo{})),
		Index: uint32(index),
	}

	if err := ioctl(d.fd, vfioDeviceGetRegionInfo, unsafe.Pointer(&req)); err != nil {
		return RegionInfo{}, fmt.Errorf("vfio: GET_REGION_INFO(%d): %w", index, err)
	}

	return RegionInfo{
		Index:  index,
		Flags:  req.Flags,
		Size:   req.Size,
		Offset: req.Offset,
	}, nil
}

func (d *deviceFd) GetIRQInfo(index int) (IRQInfo, error) {
	req := rawIRQInfo{
		Argsz: uint32(unsafe.Sizeof(rawIRQInfo{})),
		Index: uint32(index),
	}

	if err := ioctl(d.fd, vfioDeviceGetIRQInfo, unsafe.Pointer(&req)); err != nil {
		return IRQInfo{}, fmt.Errorf("vfio: GET_IRQ_INFO(%d): %w", index, err)
	}

	return IRQInfo{Index: index, Flags: req.Flags, Count: req.Count}, nil
}

// SetIRQs packs the header plus the trailing fd array into one contiguous
// buffer and issues VFIO_DEVICE_SET_IRQS, the same manual-packing idiom
// internal/hv/kvm/kvm_gsi.go uses for KVM_SET_GSI_ROUTING.
func (d *deviceFd) SetIRQs(req SetIRQsRequest) error {
	headerSize := int(unsafe.Sizeof(rawIRQSetHeader{}))

	var dataSize int
	if req.Data == DataEventFD {
		dataSize = len(req.EventFDs) * 4
	}

	buf := make([]byte, headerSize+dataSize)

	hdr := rawIRQSetHeader{
		Argsz: uint32(len(buf)),
		Flags: uint32(req.Action) | uint32(req.Data),
		Index: uint32(req.Index),
		Start: uint32(req.Start),
		Count: uint32(len(req.EventFDs)),
	}
	*(*rawIRQSetHeader)(unsafe.Pointer(&buf[0])) = hdr

	if req.Data == DataEventFD {
		for i, fd := range req.EventFDs {
			binary.LittleEndian.PutUint32(buf[headerSize+i*4:], uint32(fd))
		}
	}

	if err := ioctl(d.fd, vfioDeviceSetIRQs, unsafe.Pointer(&buf[0])); err != nil {
		return irqTransientf("SET_IRQS", "index=%d start=%d count=%d: %w", req.Index, req.Start, len(req.EventFDs), err)
	}

	return nil
}

func (d *deviceFd) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(d.fd, p, off)
	if err != nil {
		return n, ioFailedf("pread", "off=0x%x len=%d: %w", off, len(p), err)
	}
	if n != len(p) {
		return n, ioFailedf("pread", "short read: off=0x%x wanted=%d got=%d", off, len(p), n)
	}
	return n, nil
}

func (d *deviceFd) WriteAt(p []byte, off int64) (int, error) {
	n, err := unix.Pwrite(d.fd, p, off)
	if err != nil {
		return n, ioFailedf("pwrite", "off=0x%x len=%d: %w", off, len(p), err)
	}
	if n != len(p) {
		return n, ioFailedf("pwrite", "short write: off=0x%x wanted=%d got=%d", off, len(p), n)
	}
	return n, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
