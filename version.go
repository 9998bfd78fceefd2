package rotor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeyVersion identifies a key generation within a purpose lineage.
// Ordering is lexicographic on (Major, Minor, Patch); the timestamps do
// not participate in ordering or equality.
type KeyVersion struct {
	Major     uint32     `json:"major"`
	Minor     uint32     `json:"minor"`
	Patch     uint32     `json:"patch"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewKeyVersion creates a version stamped with the current time
func NewKeyVersion(major, minor, patch uint32) KeyVersion {
	return KeyVersion{
		Major:     major,
		Minor:     minor,
		Patch:     patch,
		CreatedAt: time.Now().UTC(),
	}
}

// ParseKeyVersion parses a strict "major.minor.patch" string
func ParseKeyVersion(s string) (KeyVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return KeyVersion{}, fmt.Errorf("invalid version string %q: expected major.minor.patch", s)
	}

	nums := make([]uint32, 3)
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return KeyVersion{}, fmt.Errorf("invalid version component %q in %q: %w", part, s, err)
		}
		nums[i] = uint32(n)
	}

	return NewKeyVersion(nums[0], nums[1], nums[2]), nil
}

// String formats the version as "major.minor.patch"
func (v KeyVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Equal compares the numeric triple only
func (v KeyVersion) Equal(other KeyVersion) bool {
	return v.Major == other.Major && v.Minor == other.Minor && v.Patch == other.Patch
}

// Compare returns -1, 0 or 1 ordering by (major, minor, patch)
func (v KeyVersion) Compare(other KeyVersion) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	if v.Patch != other.Patch {
		if v.Patch < other.Patch {
			return -1
		}
		return 1
	}
	return 0
}

// NewerThan reports whether v orders strictly after other
func (v KeyVersion) NewerThan(other KeyVersion) bool {
	return v.Compare(other) > 0
}

// WithExpiration returns a copy of v carrying an expiration time
func (v KeyVersion) WithExpiration(t time.Time) KeyVersion {
	v.ExpiresAt = &t
	return v
}

// IsExpired reports whether the version has passed its expiration time
func (v KeyVersion) IsExpired(now time.Time) bool {
	return v.ExpiresAt != nil && now.After(*v.ExpiresAt)
}

// NextMinor is the version produced by a regular rotation
func (v KeyVersion) NextMinor() KeyVersion {
	return NewKeyVersion(v.Major, v.Minor+1, 0)
}

func containsVersion(versions []KeyVersion, v KeyVersion) bool {
	for _, candidate := range versions {
		if candidate.Equal(v) {
			return true
		}
	}
	return false
}
