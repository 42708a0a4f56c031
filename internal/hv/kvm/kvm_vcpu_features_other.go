//go:build linux && !arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vfiopt/internal/hv"
)

// FeatureController is the non-arm64 stand-in for the real arm64 feature
// negotiator: no architecture besides arm64 has an equivalent
// KVM_ARM_VCPU_INIT feature-flag dance, so every method reports the
// feature unsupported rather than silently succeeding.
type FeatureController struct{}

// NewFeatureControllerFromHypervisor always fails outside arm64; callers
// (cmd/vfio-attach) should only reach for a VCPUFeatureController when the
// target guest architecture is arm64.
func NewFeatureControllerFromHypervisor(h hv.Hypervisor) (*FeatureController, error) {
	return nil, fmt.Errorf("kvm: vCPU feature negotiation is only implemented for arm64")
}

func (f *FeatureController) CheckExtension(name string) (bool, error) {
	return false, fmt.Errorf("kvm: feature %q not supported on this architecture", name)
}

func (f *FeatureController) RequestFeature(cpu int, name string) error {
	return fmt.Errorf("kvm: feature %q not supported on this architecture", name)
}

func (f *FeatureController) FinalizeSVE(cpu int, maxVQ int) error {
	return fmt.Errorf("kvm: SVE not supported on this architecture")
}
