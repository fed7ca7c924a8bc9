package vcs

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Provider tags are not strict SemVer ("1.2", "v1.30-rc", "2.0.0.1" all
// occur in the wild), so version filtering accepts anything that starts
// with a number after an optional "v" and follows a dotted pattern.
var versionPattern = regexp.MustCompile(`(?i)^\d{1,5}(\.\d{1,10}){0,4}($|[abrdp+_\-\s])`)

// looksLikeVersion reports whether a tag name should be considered a
// version number.
func looksLikeVersion(name string) bool {
	name = stripVPrefix(name)
	if name == "" || name[0] < '0' || name[0] > '9' {
		return false
	}
	return versionPattern.MatchString(name)
}

// compareVersions orders dotted version strings. It returns a negative
// number if a < b, zero if equal, positive if a > b. Numeric segments are
// compared numerically; a version with extra numeric segments is newer
// ("1.2.1" > "1.2"); a pre-release suffix sorts before its base
// ("1.2-rc" < "1.2").
func compareVersions(a, b string) int {
	as, asuf := splitVersion(stripVPrefix(a))
	bs, bsuf := splitVersion(stripVPrefix(b))

	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av - bv
		}
	}

	switch {
	case asuf == bsuf:
		return 0
	case asuf == "":
		return 1
	case bsuf == "":
		return -1
	}
	return strings.Compare(asuf, bsuf)
}

// Compare orders two dotted version strings, ignoring a leading "v".
// It returns a negative number if a < b, zero if equal, positive if
// a > b.
func Compare(a, b string) int {
	return compareVersions(a, b)
}

// splitVersion separates the leading dotted numeric segments from any
// trailing suffix ("1.2.3-beta.1" -> [1 2 3], "-beta.1").
func splitVersion(v string) ([]int, string) {
	var nums []int
	rest := v
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			break
		}
		n, _ := strconv.Atoi(rest[:i])
		nums = append(nums, n)
		rest = rest[i:]
		if !strings.HasPrefix(rest, ".") {
			break
		}
		rest = rest[1:]
	}
	return nums, rest
}

// sortVersionTags keeps only version-looking tag names and sorts them in
// descending version order.
func sortVersionTags(names []string) []string {
	var versions []string
	for _, name := range names {
		if looksLikeVersion(name) {
			versions = append(versions, name)
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) > 0
	})
	return versions
}
