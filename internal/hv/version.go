package hv

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// VersionInfo is a four part host or driver version, compared component by
// component from Major to Revision.
type VersionInfo struct {
	Major    uint32
	Minor    uint32
	Build    uint32
	Revision uint32
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Compare returns -1, 0 or +1 depending on whether v sorts before, equal to
// or after other.
func (v VersionInfo) Compare(other VersionInfo) int {
	if c := cmp.Compare(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Build, other.Build); c != 0 {
		return c
	}
	return cmp.Compare(v.Revision, other.Revision)
}

func (v VersionInfo) Less(other VersionInfo) bool { return v.Compare(other) < 0 }

// AtLeast reports whether v >= min.
func (v VersionInfo) AtLeast(min VersionInfo) bool { return v.Compare(min) >= 0 }

func (v VersionInfo) IsZero() bool { return v == VersionInfo{} }

// ParseVersion parses "major[.minor[.build[.revision]]]". Missing components
// are zero.
func ParseVersion(s string) (VersionInfo, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return VersionInfo{}, fmt.Errorf("parse version: empty string: %w", ErrInvalidArgument)
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return VersionInfo{}, fmt.Errorf("parse version %q: too many components: %w", s, ErrInvalidArgument)
	}
	var out [4]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return VersionInfo{}, fmt.Errorf("parse version %q: %w", s, ErrInvalidArgument)
		}
		out[i] = uint32(n)
	}
	return VersionInfo{Major: out[0], Minor: out[1], Build: out[2], Revision: out[3]}, nil
}

// MustParseVersion is ParseVersion for constants.
func MustParseVersion(s string) VersionInfo {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}
