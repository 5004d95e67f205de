package capability

import (
	"fmt"
	"reflect"
	"strings"
)

// Matcher decides whether a slot advertising stereotype can serve a request
// asking for requested. Implementations must be pure: no state, no I/O.
type Matcher interface {
	Matches(stereotype, requested Set) bool
}

// Vendor-prefixed extension capabilities we never try to match centrally;
// the owning host or the browser driver interprets them.
var extensionPrefixes = []string{"goog:", "moz:", "ms:", "safari:", "se:"}

// Relay capabilities identifying a native-app automation session. When any
// of these carries a non-empty value, the session has no conventional
// browser identity and browserName/browserVersion mismatches are forgiven.
var relayAppCapabilities = []string{"appium:app", "appium:appPackage", "appium:bundleId"}

var mandatoryCapabilities = []string{KeyPlatformName, KeyBrowserName, KeyBrowserVersion}

// Default is the standard slot matcher, loosely based on the WebDriver
// capability matching rules. A match requires all of:
//
//   - every non-extension stereotype capability equals the requested value
//     when the request carries that key (strings compare case-insensitively)
//   - managed downloads, when requested, are advertised by the stereotype
//   - unprefixed extension capabilities present on both sides are equal
//   - any "platformVersion" capability matches exactly
//   - finally browserName, browserVersion and platformName agree, with the
//     version "stable" acting as a wildcard and the native-app relay bypass
//     applying to browser identity
type Default struct{}

func (Default) Matches(stereotype, requested Set) bool {
	// An empty request can never sensibly match anything.
	if len(requested) == 0 {
		return false
	}

	if !initialMatch(stereotype, requested) {
		return false
	}
	if !managedDownloadsMatch(stereotype, requested) {
		return false
	}
	if !extensionCapabilitiesMatch(stereotype, requested) {
		return false
	}
	if !platformVersionMatch(stereotype, requested) {
		return false
	}

	bypass := relayBypass(requested)

	browserName := requested.BrowserName() == "" ||
		strings.EqualFold(stereotype.BrowserName(), requested.BrowserName()) ||
		bypass

	browserVersion := requested.BrowserVersion() == "" ||
		strings.EqualFold(requested.BrowserVersion(), "stable") ||
		VersionsMatch(stereotype.BrowserVersion(), requested.BrowserVersion()) ||
		bypass

	platformName := !requested.Has(KeyPlatformName) ||
		PlatformIs(stereotype.PlatformName(), requested.PlatformName())

	return browserName && browserVersion && platformName
}

// initialMatch compares every non-extension, non-mandatory stereotype key
// against the request. A key the request does not carry always matches: the
// stereotype is allowed to be more specific than what was asked for.
func initialMatch(stereotype, requested Set) bool {
	for name, stereoValue := range stereotype {
		if strings.Contains(name, ":") {
			continue
		}
		if isMandatory(name) {
			continue
		}
		if !valuesMatch(stereoValue, requested[name]) {
			return false
		}
	}
	return true
}

// managedDownloadsMatch enforces the one-way downloads requirement: a request
// that asks for managed downloads needs a stereotype that advertises them,
// while a request that does not ask matches any stereotype.
func managedDownloadsMatch(stereotype, requested Set) bool {
	if !requested.Bool(KeyDownloadsEnabled) {
		return true
	}
	return stereotype.Bool(KeyDownloadsEnabled)
}

// extensionCapabilitiesMatch compares extension capabilities that are not
// vendor-prefixed and are not an "options" blob, and only when the request
// also carries them.
func extensionCapabilitiesMatch(stereotype, requested Set) bool {
	for name, stereoValue := range stereotype {
		if !strings.Contains(name, ":") {
			continue
		}
		if strings.Contains(strings.ToLower(name), "options") {
			continue
		}
		if !requested.Has(name) {
			continue
		}
		if hasExtensionPrefix(name) {
			continue
		}
		if !valuesMatch(stereoValue, requested[name]) {
			return false
		}
	}
	return true
}

// platformVersionMatch requires exact equality for any requested capability
// whose name mentions platformVersion. Appium-backed slots rely on this to
// be filtered before slot reservation to keep matching fast.
func platformVersionMatch(stereotype, requested Set) bool {
	for name, reqValue := range requested {
		if !strings.Contains(name, "platformVersion") {
			continue
		}
		if !reflect.DeepEqual(stereotype[name], reqValue) {
			return false
		}
	}
	return true
}

func relayBypass(requested Set) bool {
	for _, name := range relayAppCapabilities {
		if v, ok := requested[name]; ok && v != nil {
			if s, isStr := v.(string); !isStr || s != "" {
				return true
			}
		}
	}
	return false
}

// valuesMatch compares a stereotype value against a requested one. A missing
// request side matches; a requested string compares case-insensitively
// against the stereotype value's string form, so a numeric stereotype still
// matches its string spelling; everything else requires deep equality.
func valuesMatch(stereoValue, reqValue any) bool {
	if reqValue == nil {
		return true
	}
	if reqStr, ok := reqValue.(string); ok {
		stereoStr, ok := stereoValue.(string)
		if !ok {
			stereoStr = fmt.Sprint(stereoValue)
		}
		return strings.EqualFold(stereoStr, reqStr)
	}
	return reflect.DeepEqual(stereoValue, reqValue)
}

func hasExtensionPrefix(name string) bool {
	for _, prefix := range extensionPrefixes {
		if strings.Contains(name, prefix) {
			return true
		}
	}
	return false
}

func isMandatory(name string) bool {
	for _, m := range mandatoryCapabilities {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
