package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Version is a parsed major.minor.patch triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a strict major.minor.patch string.
func ParseVersion(s string) (Version, error) {
	if !versionPattern.MatchString(s) {
		return Version{}, fmt.Errorf("invalid version %q: want major.minor.patch", s)
	}
	parts := strings.Split(s, ".")
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return Version{}, fmt.Errorf("invalid major in %q: %w", s, err)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return Version{}, fmt.Errorf("invalid minor in %q: %w", s, err)
	}
	if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
		return Version{}, fmt.Errorf("invalid patch in %q: %w", s, err)
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Satisfies reports whether v, as an installed version, meets the required
// version: the major must match, the minor must be at least the required
// minor, and the patch only counts when the minors are equal.
func (v Version) Satisfies(required Version) bool {
	if v.Major != required.Major {
		return false
	}
	if v.Minor != required.Minor {
		return v.Minor > required.Minor
	}
	return v.Patch >= required.Patch
}

// IsCompatible applies Satisfies to version strings. Unparseable input is
// never compatible.
func IsCompatible(installed, required string) bool {
	iv, err := ParseVersion(installed)
	if err != nil {
		return false
	}
	rv, err := ParseVersion(required)
	if err != nil {
		return false
	}
	return iv.Satisfies(rv)
}

// IsNewer reports whether latest is newer than current, comparing major,
// minor and patch left to right; the first differing part decides. Missing
// or non-numeric parts count as zero.
func IsNewer(latest, current string) bool {
	l := looseParts(latest)
	c := looseParts(current)
	for i := range l {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}

func looseParts(s string) [3]int {
	var out [3]int
	for i, part := range strings.SplitN(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".", 3) {
		n, err := strconv.Atoi(part)
		if err == nil {
			out[i] = n
		}
	}
	return out
}
