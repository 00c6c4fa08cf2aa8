package fetch

import (
	"fmt"

	v "github.com/hashicorp/go-version"
)

// ParseVersion parses a semantic version string.
// Supports formats like "2.0.0", "v2.0.0", "2.1.0-rc.1".
func ParseVersion(s string) (*v.Version, error) {
	ver, err := v.NewSemver(s)
	if err != nil {
		return nil, fmt.Errorf("invalid version format: %s", s)
	}
	return ver, nil
}

// IsNewer reports whether candidate is strictly greater than current.
// Stable releases sort after their prereleases.
func IsNewer(candidate, current string) (bool, error) {
	c, err := ParseVersion(candidate)
	if err != nil {
		return false, err
	}
	cur, err := ParseVersion(current)
	if err != nil {
		return false, err
	}
	return c.GreaterThan(cur), nil
}
