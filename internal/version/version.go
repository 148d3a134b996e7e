// Package version implements package version parsing, normalization and
// version range expressions.
//
// A version has one to four numeric parts followed by an optional SemVer 2.0
// prerelease label and optional build metadata. Equivalent inputs such as
// "1.0", "1.0.0" and "1.0.0.0+build" share one normalized form.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidVersion is returned when a version string cannot be parsed.
var ErrInvalidVersion = errors.New("invalid version")

// Version is a parsed package version.
type Version struct {
	parts      [4]uint64
	prerelease string
	metadata   string
	sv         *semver.Version
}

// Parse parses a version string.
func Parse(s string) (Version, error) {
	if s == "" || strings.TrimSpace(s) != s {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	rest, metadata, hasMetadata := strings.Cut(s, "+")
	core, prerelease, hasPrerelease := strings.Cut(rest, "-")
	if (hasMetadata && metadata == "") || (hasPrerelease && prerelease == "") {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	segments := strings.Split(core, ".")
	if len(segments) > 4 {
		return Version{}, fmt.Errorf("%w: %q has more than four numeric parts", ErrInvalidVersion, s)
	}

	var v Version
	for i, seg := range segments {
		if seg == "" || strings.TrimLeft(seg, "0123456789") != "" {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		n, err := strconv.ParseUint(seg, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
		}
		v.parts[i] = n
	}

	// The numeric core is rebuilt without leading zeros so only the prerelease
	// and metadata identifiers are left for semver to validate. Prerelease
	// precedence is case-insensitive, hence the lowered label.
	canonical := fmt.Sprintf("%d.%d.%d", v.parts[0], v.parts[1], v.parts[2])
	if hasPrerelease {
		canonical += "-" + strings.ToLower(prerelease)
	}
	if hasMetadata {
		canonical += "+" + metadata
	}
	sv, err := semver.StrictNewVersion(canonical)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
	}

	v.prerelease = prerelease
	v.metadata = metadata
	v.sv = sv
	return v, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the normalized form of the version.
func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.parts[0], v.parts[1], v.parts[2])
	if v.parts[3] > 0 {
		fmt.Fprintf(&b, ".%d", v.parts[3])
	}
	if v.prerelease != "" {
		b.WriteString("-")
		b.WriteString(v.prerelease)
	}
	return b.String()
}

// Lower returns the lowercased normalized form, used as the comparison key.
func (v Version) Lower() string {
	return strings.ToLower(v.String())
}

// IsZero reports whether v is the zero Version rather than a parsed one.
func (v Version) IsZero() bool {
	return v.sv == nil
}

// IsPrerelease reports whether the version carries a prerelease label.
func (v Version) IsPrerelease() bool {
	return v.prerelease != ""
}

// Prerelease returns the prerelease label as written.
func (v Version) Prerelease() string {
	return v.prerelease
}

// Metadata returns the build metadata, which is not part of the normalized form.
func (v Version) Metadata() string {
	return v.metadata
}

func (v Version) Major() uint64    { return v.parts[0] }
func (v Version) Minor() uint64    { return v.parts[1] }
func (v Version) Patch() uint64    { return v.parts[2] }
func (v Version) Revision() uint64 { return v.parts[3] }

// Compare returns -1, 0 or 1 when v is lower, equal or higher than o.
// Build metadata is ignored.
func (v Version) Compare(o Version) int {
	for i := range v.parts {
		switch {
		case v.parts[i] < o.parts[i]:
			return -1
		case v.parts[i] > o.parts[i]:
			return 1
		}
	}
	if v.sv == nil || o.sv == nil {
		switch {
		case v.sv == nil && o.sv == nil:
			return 0
		case v.sv == nil:
			return -1
		default:
			return 1
		}
	}
	return v.sv.Compare(o.sv)
}

// Equal reports whether v and o normalize to the same version.
func (v Version) Equal(o Version) bool {
	return v.Lower() == o.Lower()
}
