package semver

import (
	"fmt"
	"strings"

	"github.com/starford/opsml/internal/apperr"
)

// Bump selects which part of the version is advanced.
type Bump string

const (
	BumpMajor    Bump = "major"
	BumpMinor    Bump = "minor"
	BumpPatch    Bump = "patch"
	BumpPre      Bump = "pre"
	BumpBuild    Bump = "build"
	BumpPreBuild Bump = "pre_build"
)

// ParseBump accepts the bump names; empty means minor.
func ParseBump(s string) (Bump, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return BumpMinor, nil
	case "major":
		return BumpMajor, nil
	case "minor":
		return BumpMinor, nil
	case "patch":
		return BumpPatch, nil
	case "pre", "prerelease", "rc":
		return BumpPre, nil
	case "build":
		return BumpBuild, nil
	case "pre_build", "pre+build", "pre-build":
		return BumpPreBuild, nil
	}
	return "", fmt.Errorf("%w: unknown bump %q", apperr.ErrInvalidCard, s)
}

func (b Bump) pre() bool   { return b == BumpPre || b == BumpPreBuild }
func (b Bump) build() bool { return b == BumpBuild || b == BumpPreBuild }

// Request describes a version allocation.
type Request struct {
	// Version is empty, a partial ("M" or "M.N") or a full version.
	Version  string
	Bump     Bump
	PreTag   string
	BuildTag string
}

// Next computes the version to register given every version already
// registered for the same (kind, name).
func Next(existing []string, req Request) (string, error) {
	vs := ParseAll(existing)
	if req.Bump == "" {
		req.Bump = BumpMinor
	}
	if req.PreTag == "" {
		req.PreTag = DefaultPreTag
	}
	if req.BuildTag == "" {
		req.BuildTag = DefaultBuildTag
	}

	want := strings.TrimSpace(req.Version)
	if want != "" && IsFull(want) {
		return checkFull(vs, want)
	}

	var major, minor, patch uint64
	var pre string
	switch {
	case want != "":
		parts, ok := ParsePartial(want)
		if !ok {
			return "", fmt.Errorf("%w: %q is neither a full nor a partial version", apperr.ErrVersion, want)
		}
		major, minor, patch = fromPartial(vs, parts)
	case len(vs) == 0:
		major, minor, patch = 1, 0, 0
	default:
		SortDesc(vs)
		top := vs[0]
		major, minor, patch = top.Major(), top.Minor(), top.Patch()
		switch req.Bump {
		case BumpMajor:
			major, minor, patch = major+1, 0, 0
		case BumpMinor:
			minor, patch = minor+1, 0
		case BumpPatch:
			patch++
		case BumpPre, BumpPreBuild:
			if releaseExists(vs, major, minor, patch) {
				minor, patch = minor+1, 0
			}
		case BumpBuild:
			pre = top.Prerelease()
		}
	}

	if req.Bump.pre() {
		pre = fmt.Sprintf("%s.%d", req.PreTag, nextTag(vs, major, minor, patch, req.PreTag, func(v *Version) (string, bool) {
			return v.Prerelease(), true
		}))
	}
	out := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if pre != "" {
		out += "-" + pre
	}
	if req.Bump.build() {
		n := nextTag(vs, major, minor, patch, req.BuildTag, func(v *Version) (string, bool) {
			return v.Metadata(), v.Prerelease() == pre
		})
		out += fmt.Sprintf("+%s.%d", req.BuildTag, n)
	}
	return checkFull(vs, out)
}

// checkFull rejects a version that already exists, and a pre-release whose
// core already has an official release.
func checkFull(vs []*Version, s string) (string, error) {
	v, err := Parse(s)
	if err != nil {
		return "", err
	}
	for _, e := range vs {
		if e.String() == v.String() {
			return "", fmt.Errorf("%w: version %s already exists", apperr.ErrVersion, v)
		}
	}
	if !IsRelease(v) && releaseExists(vs, v.Major(), v.Minor(), v.Patch()) {
		return "", fmt.Errorf("%w: release %s already exists, cannot register pre-release %s", apperr.ErrVersion, Core(v), v)
	}
	return v.String(), nil
}

func fromPartial(vs []*Version, parts []uint64) (major, minor, patch uint64) {
	major = parts[0]
	var found bool
	var top uint64
	for _, v := range vs {
		if v.Major() != major {
			continue
		}
		if len(parts) == 2 && v.Minor() != parts[1] {
			continue
		}
		c := v.Minor()
		if len(parts) == 2 {
			c = v.Patch()
		}
		if !found || c > top {
			top = c
		}
		found = true
	}
	if len(parts) == 1 {
		if found {
			return major, top + 1, 0
		}
		return major, 0, 0
	}
	minor = parts[1]
	if found {
		return major, minor, top + 1
	}
	return major, minor, 0
}

func releaseExists(vs []*Version, major, minor, patch uint64) bool {
	for _, v := range vs {
		if IsRelease(v) && v.Major() == major && v.Minor() == minor && v.Patch() == patch {
			return true
		}
	}
	return false
}

// nextTag returns one above the highest "<tag>.<N>" found at the given core.
func nextTag(vs []*Version, major, minor, patch uint64, tag string, field func(*Version) (string, bool)) int {
	top := 0
	for _, v := range vs {
		if v.Major() != major || v.Minor() != minor || v.Patch() != patch {
			continue
		}
		s, ok := field(v)
		if !ok || s == "" {
			continue
		}
		t, n := tagNumber(s)
		if t == tag && n > top {
			top = n
		}
	}
	return top + 1
}
