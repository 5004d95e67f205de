package host

import (
	"strings"

	"github.com/openfleet/openfleet/internal/core/capability"
)

// withDownloadsDir rewrites browser preferences so every download lands in
// the host-managed scratch directory. The input set is not mutated.
func withDownloadsDir(caps capability.Set, dir string) capability.Set {
	out := caps.Clone()

	switch strings.ToLower(out.BrowserName()) {
	case "chrome":
		setChromiumPrefs(out, "goog:chromeOptions", dir)
	case "msedge", "microsoftedge", "edge":
		setChromiumPrefs(out, "ms:edgeOptions", dir)
	case "firefox":
		opts := mapValue(out, "moz:firefoxOptions")
		prefs := mapValue(opts, "prefs")
		prefs["browser.download.folderList"] = 2
		prefs["browser.download.dir"] = dir
		prefs["browser.download.manager.showWhenStarting"] = false
		opts["prefs"] = prefs
		out["moz:firefoxOptions"] = opts
	}
	return out
}

func setChromiumPrefs(caps capability.Set, optionsKey, dir string) {
	opts := mapValue(caps, optionsKey)
	prefs := mapValue(opts, "prefs")
	prefs["download.default_directory"] = dir
	prefs["download.prompt_for_download"] = false
	prefs["savefile.default_directory"] = dir
	opts["prefs"] = prefs
	caps[optionsKey] = opts
}

// mapValue returns a copy of the map stored under key, or a fresh map when
// the key is absent or holds something else.
func mapValue[M ~map[string]any](m M, key string) map[string]any {
	out := map[string]any{}
	if existing, ok := m[key].(map[string]any); ok {
		for k, v := range existing {
			out[k] = v
		}
	}
	return out
}
