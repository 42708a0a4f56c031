//go:build linux

package main

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VFIO UAPI ioctl numbers, using the same plain _IO(VFIO_TYPE, VFIO_BASE+n)
// encoding internal/vfio/ioctl_linux.go establishes for the device-level
// ioctls: VFIO carries no direction/size bits, so base+n is the whole
// request. The IOMMU group/container binding dance is explicitly out of
// scope for internal/vfio (see its NewDeviceFd doc comment) — it is CLI
// plumbing that runs once, before a HostDevice ever exists, so it lives
// here instead.
const (
	vfioType = 0x3b
	vfioBase = 100

	vfioGetAPIVersion     = (vfioType << 8) | (vfioBase + 0)
	vfioSetIOMMU          = (vfioType << 8) | (vfioBase + 2)
	vfioGroupGetStatus    = (vfioType << 8) | (vfioBase + 3)
	vfioGroupSetContainer = (vfioType << 8) | (vfioBase + 4)
	vfioGroupGetDeviceFD  = (vfioType << 8) | (vfioBase + 6)
)

const (
	vfioAPIVersion  = 0
	vfioType1IOMMU  = 1
	vfioGroupViable = 1 << 0
)

// vfioGroupStatus mirrors struct vfio_group_status.
type vfioGroupStatus struct {
	Argsz uint32
	Flags uint32
}

// boundDevice holds the open fds the container/group bootstrap produced.
// Close releases them in reverse acquisition order; deviceFd is handed to
// vfio.NewDeviceFd, the other two are only kept alive for that fd's
// lifetime and otherwise unused.
type boundDevice struct {
	container *os.File
	group     *os.File
	deviceFd  int
}

func (b *boundDevice) Close() error {
	unix.Close(b.deviceFd)
	var err error
	if b.group != nil {
		err = b.group.Close()
	}
	if b.container != nil {
		if cerr := b.container.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// bindVFIODevice runs the real VFIO bring-up sequence from <linux/vfio.h>:
// open the container, open the group, attach the group to the container,
// select the Type1 IOMMU backend, and pull the device fd out of the group
// by its kernel-visible name (the bus address, e.g. "0000:01:00.0").
func bindVFIODevice(groupID int, deviceName string) (*boundDevice, error) {
	container, err := os.OpenFile("/dev/vfio/vfio", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vfio-attach: open /dev/vfio/vfio: %w", err)
	}

	version, err := ioctlNoArg(int(container.Fd()), vfioGetAPIVersion)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("vfio-attach: VFIO_GET_API_VERSION: %w", err)
	}
	if version != vfioAPIVersion {
		container.Close()
		return nil, fmt.Errorf("vfio-attach: unexpected VFIO API version %d", version)
	}

	group, err := os.OpenFile(fmt.Sprintf("/dev/vfio/%d", groupID), os.O_RDWR, 0)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("vfio-attach: open /dev/vfio/%d: %w", groupID, err)
	}

	status := vfioGroupStatus{Argsz: uint32(unsafe.Sizeof(vfioGroupStatus{}))}
	if _, err := ioctl(int(group.Fd()), vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio-attach: VFIO_GROUP_GET_STATUS: %w", err)
	}
	if status.Flags&vfioGroupViable == 0 {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio-attach: group %d is not viable (some devices in the group are not bound to vfio-pci)", groupID)
	}

	containerFd := int32(container.Fd())
	if _, err := ioctl(int(group.Fd()), vfioGroupSetContainer, unsafe.Pointer(&containerFd)); err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio-attach: VFIO_GROUP_SET_CONTAINER: %w", err)
	}

	if _, err := ioctl(int(container.Fd()), vfioSetIOMMU, unsafe.Pointer(uintptr(vfioType1IOMMU))); err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio-attach: VFIO_SET_IOMMU: %w", err)
	}

	nameBytes, err := unix.ByteSliceFromString(deviceName)
	if err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio-attach: invalid device name %q: %w", deviceName, err)
	}

	deviceFd, err := ioctl(int(group.Fd()), vfioGroupGetDeviceFD, unsafe.Pointer(&nameBytes[0]))
	if err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio-attach: VFIO_GROUP_GET_DEVICE_FD(%s): %w", deviceName, err)
	}

	return &boundDevice{container: container, group: group, deviceFd: int(deviceFd)}, nil
}

// ioctl issues req against fd with an argument pointer, returning the
// ioctl's return value (most VFIO ioctls return 0 on success; a few, like
// VFIO_GROUP_GET_DEVICE_FD, return a new fd number).
func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func ioctlNoArg(fd int, req uintptr) (int, error) {
	return ioctl(fd, req, nil)
}
