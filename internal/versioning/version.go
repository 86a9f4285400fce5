// Package versioning negotiates the HTTP API version with clients.
package versioning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// APIVersion is a semantic version of the HTTP API.
type APIVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than other.
func (v APIVersion) Compare(other APIVersion) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	default:
		return sign(v.Patch - other.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

var (
	// CurrentVersion is the version this server speaks.
	CurrentVersion = APIVersion{Major: 1, Minor: 0, Patch: 0}
	// MinimumSupportedVersion is the oldest version a client may request.
	MinimumSupportedVersion = APIVersion{Major: 1, Minor: 0, Patch: 0}
)

var versionPattern = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?$`)

// ParseVersion accepts "1", "1.0", "1.0.0" and the same with a leading "v".
func ParseVersion(s string) (APIVersion, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return APIVersion{}, fmt.Errorf("invalid version format: %s", s)
	}
	var parts [3]int
	for i := range parts {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return APIVersion{}, fmt.Errorf("invalid version component %q: %w", m[i+1], err)
		}
		parts[i] = n
	}
	return APIVersion{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

// Supported reports whether a client asking for v can be served: the same major
// version, no older than the minimum and no newer than the current one.
func Supported(v APIVersion) bool {
	return v.Major == CurrentVersion.Major &&
		v.Compare(MinimumSupportedVersion) >= 0 &&
		v.Compare(CurrentVersion) <= 0
}

// Range is the supported range as sent in X-Supported-Versions.
func Range() string {
	return MinimumSupportedVersion.String() + " - " + CurrentVersion.String()
}
