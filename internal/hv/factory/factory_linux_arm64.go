//go:build linux && arm64

package factory

import (
	"github.com/tinyrange/vfiopt/internal/hv"
	"github.com/tinyrange/vfiopt/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
