package capability

import "testing"

func TestEmptyRequestNeverMatches(t *testing.T) {
	t.Parallel()

	m := Default{}
	stereotypes := []Set{
		{},
		{KeyBrowserName: "chrome"},
		{KeyBrowserName: "firefox", KeyPlatformName: "linux"},
	}
	for _, st := range stereotypes {
		if m.Matches(st, Set{}) {
			t.Errorf("empty request matched stereotype %v", st)
		}
	}
}

func TestMandatoryTriple(t *testing.T) {
	t.Parallel()

	m := Default{}
	stereotype := Set{
		KeyBrowserName:    "chrome",
		KeyBrowserVersion: "133.0",
		KeyPlatformName:   "linux",
	}

	cases := []struct {
		name string
		req  Set
		want bool
	}{
		{"exact", Set{KeyBrowserName: "chrome", KeyBrowserVersion: "133.0", KeyPlatformName: "linux"}, true},
		{"case insensitive browser", Set{KeyBrowserName: "Chrome"}, true},
		{"wrong browser", Set{KeyBrowserName: "firefox"}, false},
		{"absent browser", Set{KeyPlatformName: "linux"}, true},
		{"stable version wildcard", Set{KeyBrowserName: "chrome", KeyBrowserVersion: "stable"}, true},
		{"version prefix", Set{KeyBrowserName: "chrome", KeyBrowserVersion: "133"}, true},
		{"wrong version", Set{KeyBrowserName: "chrome", KeyBrowserVersion: "134"}, false},
		{"platform any", Set{KeyBrowserName: "chrome", KeyPlatformName: "any"}, true},
		{"wrong platform", Set{KeyBrowserName: "chrome", KeyPlatformName: "windows"}, false},
		{"platform family", Set{KeyBrowserName: "chrome", KeyPlatformName: "unix"}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := m.Matches(stereotype, tc.req); got != tc.want {
				t.Errorf("Matches(%v, %v) = %v, want %v", stereotype, tc.req, got, tc.want)
			}
		})
	}
}

func TestStableVersionIgnoresConcreteStereotypeVersion(t *testing.T) {
	t.Parallel()

	m := Default{}
	for _, version := range []string{"100", "133.0.6943.98", "beta"} {
		stereotype := Set{KeyBrowserName: "chrome", KeyBrowserVersion: version}
		req := Set{KeyBrowserName: "chrome", KeyBrowserVersion: "stable"}
		if !m.Matches(stereotype, req) {
			t.Errorf("stable did not match stereotype version %q", version)
		}
	}
}

func TestManagedDownloadsOneWay(t *testing.T) {
	t.Parallel()

	m := Default{}
	with := Set{KeyBrowserName: "chrome", KeyDownloadsEnabled: true}
	without := Set{KeyBrowserName: "chrome"}

	if m.Matches(without, Set{KeyBrowserName: "chrome", KeyDownloadsEnabled: true}) {
		t.Error("downloads request matched a stereotype without the flag")
	}
	if !m.Matches(with, Set{KeyBrowserName: "chrome", KeyDownloadsEnabled: true}) {
		t.Error("downloads request did not match a supporting stereotype")
	}
	// A request not asking for downloads matches either way.
	if !m.Matches(with, Set{KeyBrowserName: "chrome"}) || !m.Matches(without, Set{KeyBrowserName: "chrome"}) {
		t.Error("request without the flag should match regardless of stereotype")
	}
}

func TestVendorPrefixedExtensionsSkipped(t *testing.T) {
	t.Parallel()

	m := Default{}
	stereotype := Set{
		KeyBrowserName:       "chrome",
		"goog:chromeOptions": map[string]any{"args": []any{"--headless"}},
		"custom:vncEnabled":  true,
		"se:containerName":   "standalone-chrome",
		"moz:firefoxOptions": map[string]any{},
		"custom:gpuOptions":  "discrete",
	}

	// Vendor-prefixed and "options"-named keys never participate.
	if !m.Matches(stereotype, Set{KeyBrowserName: "chrome", "goog:chromeOptions": map[string]any{"args": []any{"--incognito"}}}) {
		t.Error("goog: prefixed key was compared")
	}
	// Other extension keys must agree when the request carries them.
	if m.Matches(stereotype, Set{KeyBrowserName: "chrome", "custom:vncEnabled": false}) {
		t.Error("mismatching extension key matched")
	}
	if !m.Matches(stereotype, Set{KeyBrowserName: "chrome", "custom:vncEnabled": true}) {
		t.Error("matching extension key rejected")
	}
	// Absent on the request side is always fine.
	if !m.Matches(stereotype, Set{KeyBrowserName: "chrome"}) {
		t.Error("absent extension key rejected")
	}
}

func TestPlatformVersionExact(t *testing.T) {
	t.Parallel()

	m := Default{}
	stereotype := Set{KeyBrowserName: "safari", "appium:platformVersion": "17.4"}

	if !m.Matches(stereotype, Set{KeyBrowserName: "safari", "appium:platformVersion": "17.4"}) {
		t.Error("equal platformVersion rejected")
	}
	if m.Matches(stereotype, Set{KeyBrowserName: "safari", "appium:platformVersion": "17.5"}) {
		t.Error("different platformVersion matched")
	}
}

func TestRelayBypassForNativeApps(t *testing.T) {
	t.Parallel()

	m := Default{}
	stereotype := Set{KeyBrowserName: "chrome", KeyBrowserVersion: "133"}

	// A native-app request carries no meaningful browser identity.
	req := Set{
		KeyBrowserName: "",
		"appium:app":   "/apps/demo.apk",
	}
	if !m.Matches(stereotype, req) {
		t.Error("app relay request rejected on browser identity")
	}

	// Empty relay values do not trigger the bypass.
	req = Set{KeyBrowserName: "firefox", "appium:app": ""}
	if m.Matches(stereotype, req) {
		t.Error("empty relay key forgave a browser mismatch")
	}
}

func TestNonExtensionStereotypeKeys(t *testing.T) {
	t.Parallel()

	m := Default{}
	stereotype := Set{KeyBrowserName: "chrome", "acceptInsecureCerts": true}

	if !m.Matches(stereotype, Set{KeyBrowserName: "chrome"}) {
		t.Error("request lacking a stereotype key should match")
	}
	if !m.Matches(stereotype, Set{KeyBrowserName: "chrome", "acceptInsecureCerts": true}) {
		t.Error("equal value rejected")
	}
	if m.Matches(stereotype, Set{KeyBrowserName: "chrome", "acceptInsecureCerts": false}) {
		t.Error("unequal value matched")
	}
}

func TestRequestedStringMatchesStereotypeValueForm(t *testing.T) {
	t.Parallel()

	m := Default{}
	stereotype := Set{KeyBrowserName: "chrome", "customLevel": 90, "custom:tier": 3}

	if !m.Matches(stereotype, Set{KeyBrowserName: "chrome", "customLevel": "90"}) {
		t.Error("string request rejected against numeric stereotype value")
	}
	if !m.Matches(stereotype, Set{KeyBrowserName: "chrome", "custom:tier": "3"}) {
		t.Error("string request rejected against numeric extension value")
	}
	if m.Matches(stereotype, Set{KeyBrowserName: "chrome", "customLevel": "91"}) {
		t.Error("unequal string form matched")
	}
}

func TestVersionsMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stereotype, requested string
		want                  bool
	}{
		{"", "133", true},
		{"133", "", true},
		{"133", "133", true},
		{"133", "133.0.6943", true},
		{"133.0", "133", true},
		{"133", "134", false},
		{"133.0", "133.1", false},
		{"beta", "BETA", true},
		{"beta", "dev", false},
	}
	for _, tc := range cases {
		if got := VersionsMatch(tc.stereotype, tc.requested); got != tc.want {
			t.Errorf("VersionsMatch(%q, %q) = %v, want %v", tc.stereotype, tc.requested, got, tc.want)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"133", "134", -1},
		{"134", "133", 1},
		{"133.0", "133", 0},
		{"133.10", "133.9", 1},
		{"", "", 0},
	}
	for _, tc := range cases {
		if got := CompareVersions(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestPlatformIs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stereotype, requested string
		want                  bool
	}{
		{"linux", "linux", true},
		{"linux", "LINUX", true},
		{"linux", "any", true},
		{"linux", "*", true},
		{"linux", "unix", true},
		{"mac", "darwin", true},
		{"windows", "win10", true},
		{"linux", "windows", false},
	}
	for _, tc := range cases {
		if got := PlatformIs(tc.stereotype, tc.requested); got != tc.want {
			t.Errorf("PlatformIs(%q, %q) = %v, want %v", tc.stereotype, tc.requested, got, tc.want)
		}
	}
}
