package vfio

import (
	"strings"

	"golang.org/x/mod/semver"
)

// minFeatureVersion records the lowest kernel release known to carry each
// optional arm64 vCPU feature KVM_ARM_VCPU_INIT can request. cmd/vfio-attach
// checks the manifest's aarch32_guest/pmuv3/sve_max_vq settings against this
// table before the VM is created, so a stale kernel fails with a readable
// message instead of an EINVAL out of KVM_ARM_VCPU_INIT.
var minFeatureVersion = map[string]string{
	"el1-32bit":       "v4.7.0",
	"pmu-v3":          "v4.13.0",
	"sve":             "v5.2.0",
	"ptrauth-address": "v5.7.0",
	"ptrauth-generic": "v5.7.0",
}

// NormalizeKernelVersion turns a raw uname-release string such as
// "5.15.0-91-generic" or "6.1.55+" into the dotted x.y.z form
// golang.org/x/mod/semver expects, discarding any distro suffix and padding
// missing components with zero.
func NormalizeKernelVersion(release string) string {
	release = strings.TrimSpace(release)
	if release == "" {
		return ""
	}

	end := len(release)
	for i, r := range release {
		if r != '.' && (r < '0' || r > '9') {
			end = i
			break
		}
	}
	core := strings.Trim(release[:end], ".")
	if core == "" {
		return ""
	}

	parts := strings.Split(core, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + strings.Join(parts[:3], ".")
}

// CheckFeatureVersion reports a setup-fatal error if hostRelease is older
// than the minimum kernel known to carry feature. Features with no known
// floor (or an unparseable host release) are let through; the host
// capability check (FeatureController.CheckExtension) is the authoritative
// gate, this is only an earlier, friendlier rejection.
func CheckFeatureVersion(hostRelease, feature string) error {
	min, ok := minFeatureVersion[feature]
	if !ok {
		return nil
	}

	host := NormalizeKernelVersion(hostRelease)
	if !semver.IsValid(host) {
		return nil
	}

	if semver.Compare(host, min) < 0 {
		return setupFatalf("probe_version", "feature %q requires kernel >= %s, host reports %s", feature, strings.TrimPrefix(min, "v"), hostRelease)
	}
	return nil
}
