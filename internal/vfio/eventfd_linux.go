//go:build linux

package vfio

import "golang.org/x/sys/unix"

func newEventFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}
