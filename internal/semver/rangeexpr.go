package semver

import (
	"strconv"
	"strings"
)

// Range selects versions sharing a major, or a major and minor.
type Range struct {
	Major    uint64
	Minor    uint64
	HasMinor bool
}

// ParseRange recognises ^M.N.P, ~M.N.P, M.*.*, M.N.*, M.* and the partials
// M and M.N. ok is false for full versions and anything malformed.
func ParseRange(expr string) (r Range, ok bool) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "^"):
		v, err := Parse(expr[1:])
		if err != nil {
			return Range{}, false
		}
		return Range{Major: v.Major()}, true
	case strings.HasPrefix(expr, "~"):
		v, err := Parse(expr[1:])
		if err != nil {
			return Range{}, false
		}
		return Range{Major: v.Major(), Minor: v.Minor(), HasMinor: true}, true
	}

	fields := strings.Split(expr, ".")
	if len(fields) > 3 || len(fields) == 0 {
		return Range{}, false
	}
	var nums []uint64
	wild := false
	for _, f := range fields {
		if f == "*" || f == "x" {
			wild = true
			continue
		}
		if wild {
			return Range{}, false
		}
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Range{}, false
		}
		nums = append(nums, n)
	}
	switch {
	case len(nums) == 1:
		return Range{Major: nums[0]}, true
	case len(nums) == 2:
		return Range{Major: nums[0], Minor: nums[1], HasMinor: true}, true
	}
	return Range{}, false
}

// Matches reports whether v falls in r.
func (r Range) Matches(v *Version) bool {
	if v.Major() != r.Major {
		return false
	}
	return !r.HasMinor || v.Minor() == r.Minor
}
