package profile

import (
	"fmt"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v4/host"
)

const unknown = "unknown"

// HostFingerprint builds a build-fingerprint style identifier for this host:
// vendor/product/version:platform/platformVersion/kernel:arch.
// The most stable parts come first so prefix matching groups similar machines.
func HostFingerprint() string {
	vendor, product, version := unknown, unknown, unknown
	if p, err := ghw.Product(ghw.WithDisableWarnings()); err == nil {
		vendor = clean(p.Vendor)
		product = clean(p.Name)
		version = clean(p.Version)
	}

	platform, platformVersion, kernel, arch := unknown, unknown, unknown, unknown
	if info, err := host.Info(); err == nil {
		platform = clean(info.Platform)
		platformVersion = clean(info.PlatformVersion)
		kernel = clean(info.KernelVersion)
		arch = clean(info.KernelArch)
	}

	return fmt.Sprintf("%s/%s/%s:%s/%s/%s:%s",
		vendor, product, version, platform, platformVersion, kernel, arch)
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknown
	}
	return strings.NewReplacer(" ", "_", ":", "_").Replace(s)
}
