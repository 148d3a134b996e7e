package version

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRange is returned when a version range expression cannot be parsed.
var ErrInvalidRange = errors.New("invalid version range")

// Range is a version interval such as "[1.0.0, 2.0.0)".
// The zero Range contains every version.
type Range struct {
	min, max                   *Version
	minInclusive, maxInclusive bool
}

// ParseRange parses a range expression. A bare version means "that version
// or higher", brackets are inclusive bounds and parentheses exclusive ones.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}

	open := s[0]
	if open != '[' && open != '(' {
		v, err := Parse(s)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
		}
		return Range{min: &v, minInclusive: true}, nil
	}

	closing := s[len(s)-1]
	if len(s) < 2 || (closing != ']' && closing != ')') {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	inner := s[1 : len(s)-1]

	lo, hi, hasComma := strings.Cut(inner, ",")
	if !hasComma {
		if open != '[' || closing != ']' {
			return Range{}, fmt.Errorf("%w: %q: exact versions need inclusive bounds", ErrInvalidRange, s)
		}
		v, err := Parse(strings.TrimSpace(inner))
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
		}
		return Range{min: &v, max: &v, minInclusive: true, maxInclusive: true}, nil
	}
	if strings.Contains(hi, ",") {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}

	var r Range
	if lo = strings.TrimSpace(lo); lo != "" {
		v, err := Parse(lo)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
		}
		r.min = &v
		r.minInclusive = open == '['
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		v, err := Parse(hi)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
		}
		r.max = &v
		r.maxInclusive = closing == ']'
	}

	if r.min != nil && r.max != nil {
		c := r.min.Compare(*r.max)
		if c > 0 || (c == 0 && !(r.minInclusive && r.maxInclusive)) {
			return Range{}, fmt.Errorf("%w: %q is empty", ErrInvalidRange, s)
		}
	}
	return r, nil
}

// String returns the normalized form of the range.
func (r Range) String() string {
	if r.min != nil && r.max != nil && r.minInclusive && r.maxInclusive && r.min.Equal(*r.max) {
		return "[" + r.min.String() + "]"
	}

	var b strings.Builder
	if r.minInclusive {
		b.WriteByte('[')
	} else {
		b.WriteByte('(')
	}
	if r.min != nil {
		b.WriteString(r.min.String())
	}
	b.WriteString(", ")
	if r.max != nil {
		b.WriteString(r.max.String())
	}
	if r.maxInclusive {
		b.WriteByte(']')
	} else {
		b.WriteByte(')')
	}
	return b.String()
}

// Min returns the lower bound and whether it is inclusive, or nil when unbounded.
func (r Range) Min() (*Version, bool) { return r.min, r.minInclusive }

// Max returns the upper bound and whether it is inclusive, or nil when unbounded.
func (r Range) Max() (*Version, bool) { return r.max, r.maxInclusive }

// Contains reports whether v falls inside the range.
func (r Range) Contains(v Version) bool {
	if r.min != nil {
		c := v.Compare(*r.min)
		if c < 0 || (c == 0 && !r.minInclusive) {
			return false
		}
	}
	if r.max != nil {
		c := v.Compare(*r.max)
		if c > 0 || (c == 0 && !r.maxInclusive) {
			return false
		}
	}
	return true
}
