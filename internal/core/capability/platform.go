package capability

import "strings"

// platformFamilies maps platform aliases to a canonical family name so that
// e.g. a slot advertising "win11" can serve a request for "windows".
var platformFamilies = map[string]string{
	"windows": "windows",
	"win10":   "windows",
	"win11":   "windows",
	"xp":      "windows",
	"vista":   "windows",
	"mac":     "mac",
	"macos":   "mac",
	"darwin":  "mac",
	"osx":     "mac",
	"linux":   "linux",
	"unix":    "linux",
	"android": "android",
	"ios":     "ios",
}

// PlatformIs reports whether a stereotype platform can serve a requested
// platform. "any" (or "*") on either side matches everything; otherwise the
// two must be equal case-insensitively or belong to the same family.
func PlatformIs(stereotype, requested string) bool {
	s := strings.ToLower(strings.TrimSpace(stereotype))
	r := strings.ToLower(strings.TrimSpace(requested))

	if r == "" || r == "any" || r == "*" {
		return true
	}
	if s == "any" || s == "*" {
		return true
	}
	if s == r {
		return true
	}

	sf, sok := platformFamilies[s]
	rf, rok := platformFamilies[r]
	return sok && rok && sf == rf
}
