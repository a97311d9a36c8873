// Package semver parses, orders and allocates card versions.
package semver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	msemver "github.com/Masterminds/semver/v3"

	"github.com/starford/opsml/internal/apperr"
)

// Version is a parsed MAJOR.MINOR.PATCH[-PRE][+BUILD].
type Version = msemver.Version

// Default tag names.
const (
	DefaultPreTag   = "rc"
	DefaultBuildTag = "build"
)

// Parse accepts full versions only.
func Parse(s string) (*Version, error) {
	v, err := msemver.StrictNewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a full semantic version: %v", apperr.ErrVersion, s, err)
	}
	return v, nil
}

// IsFull reports whether s is a valid full version.
func IsFull(s string) bool {
	_, err := msemver.StrictNewVersion(s)
	return err == nil
}

// ParsePartial parses "M" or "M.N". ok is false for anything else.
func ParsePartial(s string) (parts []uint64, ok bool) {
	fields := strings.Split(strings.TrimSpace(s), ".")
	if len(fields) == 0 || len(fields) > 2 {
		return nil, false
	}
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, false
		}
		parts = append(parts, n)
	}
	return parts, true
}

// Compare orders a and b by semver precedence; build metadata is ignored.
func Compare(a, b *Version) int {
	return a.Compare(b)
}

// SameCore reports whether a and b share MAJOR.MINOR.PATCH.
func SameCore(a, b *Version) bool {
	return a.Major() == b.Major() && a.Minor() == b.Minor() && a.Patch() == b.Patch()
}

// Core returns "M.N.P".
func Core(v *Version) string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// IsRelease reports whether v carries no pre-release field.
func IsRelease(v *Version) bool {
	return v.Prerelease() == ""
}

// ParseAll parses every valid version in vs, skipping the rest.
func ParseAll(vs []string) []*Version {
	out := make([]*Version, 0, len(vs))
	for _, s := range vs {
		if v, err := msemver.StrictNewVersion(s); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// SortDesc orders versions highest first. Equal precedence falls back to
// the string form so the order is total.
func SortDesc(vs []*Version) {
	sort.SliceStable(vs, func(i, j int) bool {
		if c := vs[i].Compare(vs[j]); c != 0 {
			return c > 0
		}
		return vs[i].String() > vs[j].String()
	})
}

// SortStrings sorts version strings highest first; invalid entries sink.
func SortStrings(vs []string) []string {
	parsed := ParseAll(vs)
	SortDesc(parsed)
	out := make([]string, 0, len(vs))
	seen := make(map[string]bool, len(parsed))
	for _, v := range parsed {
		out = append(out, v.Original())
		seen[v.Original()] = true
	}
	for _, s := range vs {
		if !seen[s] {
			out = append(out, s)
		}
	}
	return out
}

// tagNumber splits "rc.3" or "rc3" into ("rc", 3). n is -1 when s carries
// no trailing number.
func tagNumber(s string) (tag string, n int) {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		if v, err := strconv.Atoi(s[i+1:]); err == nil {
			return s[:i], v
		}
	}
	j := len(s)
	for j > 0 && s[j-1] >= '0' && s[j-1] <= '9' {
		j--
	}
	if j == len(s) {
		return s, -1
	}
	v, err := strconv.Atoi(s[j:])
	if err != nil {
		return s, -1
	}
	return s[:j], v
}
