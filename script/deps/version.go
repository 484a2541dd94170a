package deps

import (
	"fmt"
	"sort"
	"strings"

	mmsemver "github.com/Masterminds/semver/v3"
	"golang.org/x/mod/semver"
)

// Request is one "fetch package" directive.
type Request struct {
	Path     string `json:"path"`
	Range    string `json:"range,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

func (r Request) String() string {
	s := r.Path
	if r.Range != "" {
		s += " " + r.Range
	}
	if r.Optional {
		s += " (optional)"
	}
	return s
}

type rangeKind int

const (
	rangeAny rangeKind = iota
	rangeExact
	rangeInterval
	rangeConstraint
)

// VersionRange is a parsed version requirement.
//
// Accepted forms:
//
//	""  "*"  "latest"           any release
//	v1.2.3  1.2.3               exactly that version
//	[v1.0.0, v2.0.0)  (,v1.5]   interval, either bound may be open
//	[v1.2.3]                    exact, interval notation
//	>=1.2 <2  ^1.4  ~1.4.2      Masterminds constraint expression
type VersionRange struct {
	raw  string
	kind rangeKind

	exact string

	lower, upper         string
	lowerIncl, upperIncl bool

	constraint *mmsemver.Constraints
}

// ParseRange parses a version requirement.
func ParseRange(s string) (VersionRange, error) {
	raw := strings.TrimSpace(s)
	r := VersionRange{raw: raw}

	switch {
	case raw == "" || raw == "*" || strings.EqualFold(raw, "latest"):
		r.kind = rangeAny
		return r, nil

	case strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "("):
		return parseInterval(raw)
	}

	if v := canonical(raw); v != "" {
		r.kind = rangeExact
		r.exact = v
		return r, nil
	}

	c, err := mmsemver.NewConstraint(raw)
	if err != nil {
		return r, fmt.Errorf("invalid version range %q: %w", raw, err)
	}
	r.kind = rangeConstraint
	r.constraint = c
	return r, nil
}

func parseInterval(raw string) (VersionRange, error) {
	r := VersionRange{raw: raw, kind: rangeInterval}
	if len(raw) < 2 {
		return r, fmt.Errorf("invalid version interval %q", raw)
	}
	open, closing := raw[0], raw[len(raw)-1]
	if closing != ']' && closing != ')' {
		return r, fmt.Errorf("invalid version interval %q: missing closing bracket", raw)
	}
	body := raw[1 : len(raw)-1]

	if !strings.Contains(body, ",") {
		v := canonical(body)
		if v == "" || open != '[' || closing != ']' {
			return r, fmt.Errorf("invalid version interval %q", raw)
		}
		r.kind = rangeExact
		r.exact = v
		return r, nil
	}

	lo, hi, _ := strings.Cut(body, ",")
	lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
	if lo != "" {
		if r.lower = canonical(lo); r.lower == "" {
			return r, fmt.Errorf("invalid lower bound %q in %q", lo, raw)
		}
	}
	if hi != "" {
		if r.upper = canonical(hi); r.upper == "" {
			return r, fmt.Errorf("invalid upper bound %q in %q", hi, raw)
		}
	}
	r.lowerIncl = open == '['
	r.upperIncl = closing == ']'
	if r.lower != "" && r.upper != "" && semver.Compare(r.lower, r.upper) > 0 {
		return r, fmt.Errorf("empty version interval %q", raw)
	}
	return r, nil
}

// Allows reports whether version satisfies the range.
// Pre-releases only satisfy exact ranges and constraints that name one.
func (r VersionRange) Allows(version string) bool {
	v := canonical(version)
	if v == "" {
		return false
	}
	switch r.kind {
	case rangeExact:
		return v == r.exact
	case rangeAny:
		return semver.Prerelease(v) == ""
	case rangeInterval:
		if semver.Prerelease(v) != "" {
			return false
		}
		if r.lower != "" {
			c := semver.Compare(v, r.lower)
			if c < 0 || (c == 0 && !r.lowerIncl) {
				return false
			}
		}
		if r.upper != "" {
			c := semver.Compare(v, r.upper)
			if c > 0 || (c == 0 && !r.upperIncl) {
				return false
			}
		}
		return true
	case rangeConstraint:
		mv, err := mmsemver.NewVersion(v)
		if err != nil {
			return false
		}
		return r.constraint.Check(mv)
	}
	return false
}

// Exact returns the pinned version of an exact range.
func (r VersionRange) Exact() (string, bool) {
	return r.exact, r.kind == rangeExact
}

// IsAny reports whether every release satisfies the range.
func (r VersionRange) IsAny() bool { return r.kind == rangeAny }

func (r VersionRange) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

// canonical normalizes "1.2" / "v1.2.3+meta" to "v1.2.0" / "v1.2.3".
// It returns "" for anything that is not a semantic version.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// sortDescending orders valid versions newest first and drops invalid ones.
func sortDescending(versions []string) []string {
	out := make([]string, 0, len(versions))
	seen := make(map[string]bool, len(versions))
	for _, v := range versions {
		v = strings.TrimSpace(v)
		if semver.IsValid(v) && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return semver.Compare(out[i], out[j]) > 0 })
	return out
}

// newestRelease prefers the newest non-prerelease and falls back to the newest overall.
func newestRelease(sorted []string) string {
	for _, v := range sorted {
		if semver.Prerelease(v) == "" {
			return v
		}
	}
	if len(sorted) > 0 {
		return sorted[0]
	}
	return ""
}
