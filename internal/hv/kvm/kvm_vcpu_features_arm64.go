//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/vfiopt/internal/hv"
)

const (
	kvmRegSizeU512        uint64 = 0x0060000000000000
	kvmRegArm64SveCopro   uint64 = 0x15 << kvmRegArmCoproShift
	kvmRegArm64SveVlsMask uint64 = 0xffff
	kvmRegArm64SveVls     uint64 = kvmRegArm64 | kvmRegSizeU512 | kvmRegArm64SveCopro | kvmRegArm64SveVlsMask

	sveMaxVQ = 512 // 512 * 128 bits = 64 Kibit (8 KiB), the largest VQ the KVM vector-length bitmap covers
)

// FeatureController adapts KVM's extension-check ioctl and the ARM64
// feature-name vocabulary to vfio.VCPUFeatureController, letting a caller
// (typically cmd/vfio-attach) validate requested vCPU features against the
// host's capability set and build the ArchFeatures()/SVEMaxVQ() config
// consumed by archVCPUInit before a single shared KVM_ARM_VCPU_INIT call.
// Feature negotiation happens once per VM, at vCPU-init time, not per vCPU:
// secondary vCPUs are parked (spec §4.G), not independently featured.
type FeatureController struct {
	h         *hypervisor
	requested map[string]bool
	sveMaxVQ  int
}

func NewFeatureController(h *hypervisor) *FeatureController {
	return &FeatureController{h: h, requested: make(map[string]bool)}
}

// NewFeatureControllerFromHypervisor adapts the hv.Hypervisor returned by
// Open into a *FeatureController, for callers (cmd/vfio-attach) that only
// hold the interface.
func NewFeatureControllerFromHypervisor(h hv.Hypervisor) (*FeatureController, error) {
	kh, ok := h.(*hypervisor)
	if !ok {
		return nil, fmt.Errorf("kvm: hypervisor is not a kvm backend")
	}
	return NewFeatureController(kh), nil
}

// CheckExtension reports whether the host kernel/KVM build supports the
// named optional feature.
func (f *FeatureController) CheckExtension(name string) (bool, error) {
	capID, err := armExtensionCapID(name)
	if err != nil {
		return false, err
	}
	return checkExtension(f.h.fd, capID)
}

// RequestFeature records a feature to enable at the vCPU's KVM_ARM_VCPU_INIT.
// Must be called before NewVirtualMachine; cpu is accepted for interface
// symmetry (feature requests apply VM-wide, not per vCPU).
func (f *FeatureController) RequestFeature(cpu int, name string) error {
	if _, _, err := armFeatureBit(name); err != nil {
		return err
	}
	f.requested[name] = true
	return nil
}

// FinalizeSVE records the vector-length ceiling to clamp to once SVE is
// enabled. The actual clamp-and-finalize ioctls run inside archVCPUInit,
// immediately after KVM_ARM_VCPU_INIT, since a vCPU with SVE requested
// cannot run until finalized; cpu is accepted for interface symmetry.
func (f *FeatureController) FinalizeSVE(cpu int, maxVQ int) error {
	if maxVQ <= 0 || maxVQ > sveMaxVQ {
		return fmt.Errorf("kvm: invalid sve max vq %d", maxVQ)
	}
	f.requested["sve"] = true
	f.sveMaxVQ = maxVQ
	return nil
}

// ArchFeatures implements the structural interface archVCPUInit looks for
// on hv.VMConfig.
func (f *FeatureController) ArchFeatures() []string {
	out := make([]string, 0, len(f.requested))
	for name := range f.requested {
		out = append(out, name)
	}
	return out
}

// SVEMaxVQ implements the structural interface archVCPUInit looks for to
// learn the vector-length ceiling; 0 means no clamp (full host maximum).
func (f *FeatureController) SVEMaxVQ() int { return f.sveMaxVQ }

func armExtensionCapID(name string) (int, error) {
	switch name {
	case "el1-32bit":
		return kvmCapArmEl1_32bit, nil
	case "pmu-v3":
		return kvmCapArmPmuV3, nil
	case "sve":
		return kvmCapArmSve, nil
	case "ptrauth-address":
		return kvmCapArmPtrauthAddr, nil
	case "ptrauth-generic":
		return kvmCapArmPtrauthGen, nil
	default:
		return 0, fmt.Errorf("unknown arm64 vcpu extension %q", name)
	}
}

// clampSVEVectorLength reads the host-supported SVE vector-quadword bitmap,
// clears every bit above maxVQ, and writes it back. Each set bit n (1-based
// quadword count) advertises a supported vector length of n*128 bits.
func clampSVEVectorLength(vcpuFd int, maxVQ int) error {
	var bitmap [8]uint64 // 512 bits, one per supported VQ 1..512
	if err := getOneReg(vcpuFd, kvmRegArm64SveVls, unsafe.Pointer(&bitmap[0])); err != nil {
		return fmt.Errorf("kvm: read sve vector-length bitmap: %w", err)
	}

	for vq := maxVQ + 1; vq <= sveMaxVQ; vq++ {
		word := (vq - 1) / 64
		bit := uint((vq - 1) % 64)
		bitmap[word] &^= 1 << bit
	}

	if err := setOneReg(vcpuFd, kvmRegArm64SveVls, unsafe.Pointer(&bitmap[0])); err != nil {
		return fmt.Errorf("kvm: write sve vector-length bitmap: %w", err)
	}
	return nil
}
