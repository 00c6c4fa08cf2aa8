package fetch

import (
	"fmt"
	"runtime"
)

// Platform identifies the host the installation runs on. It is sent with
// every update check so the service can pick a matching build.
type Platform struct {
	OS   string
	Arch string
}

// Detect returns the current platform (OS and architecture)
func Detect() Platform {
	return Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
}

// String returns e.g. "linux/amd64".
func (p Platform) String() string {
	return fmt.Sprintf("%s/%s", p.OS, p.Arch)
}

// IsSupported returns true if update packages are published for this platform
func (p Platform) IsSupported() bool {
	supportedPlatforms := map[string][]string{
		"darwin": {"amd64", "arm64"},
		"linux":  {"amd64", "arm64"},
	}

	archs, ok := supportedPlatforms[p.OS]
	if !ok {
		return false
	}

	for _, arch := range archs {
		if p.Arch == arch {
			return true
		}
	}

	return false
}
