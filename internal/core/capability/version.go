package capability

import (
	"strconv"
	"strings"
)

// VersionsMatch reports whether a stereotype browser version satisfies a
// requested one. Versions compare segment by segment on dots: numeric
// segments compare numerically, anything else falls back to a
// case-insensitive string comparison. An empty side matches anything, and a
// stereotype with fewer segments is treated as a prefix wildcard, so a
// stereotype of "133" satisfies a request for "133.0.6943".
func VersionsMatch(stereotype, requested string) bool {
	stereotype = strings.TrimSpace(stereotype)
	requested = strings.TrimSpace(requested)
	if stereotype == "" || requested == "" {
		return true
	}

	stereoParts := strings.Split(stereotype, ".")
	reqParts := strings.Split(requested, ".")

	n := len(stereoParts)
	if len(reqParts) < n {
		n = len(reqParts)
	}
	for i := 0; i < n; i++ {
		if !segmentsEqual(stereoParts[i], reqParts[i]) {
			return false
		}
	}

	// The request may not be more specific than the stereotype advertises
	// beyond shared segments; a longer stereotype is fine ("133.1" serves
	// a request for plain "133").
	return true
}

// CompareVersions orders two browser versions segment by segment on dots,
// numerically where both segments are numbers. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	aParts := strings.Split(strings.TrimSpace(a), ".")
	bParts := strings.Split(strings.TrimSpace(b), ".")

	n := len(aParts)
	if len(bParts) > n {
		n = len(bParts)
	}
	for i := 0; i < n; i++ {
		as, bs := "", ""
		if i < len(aParts) {
			as = aParts[i]
		}
		if i < len(bParts) {
			bs = bParts[i]
		}
		if c := compareSegments(as, bs); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegments(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func segmentsEqual(a, b string) bool {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return an == bn
	}
	return strings.EqualFold(a, b)
}
