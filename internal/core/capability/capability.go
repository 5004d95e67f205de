// Package capability holds the capability sets exchanged between clients and
// execution hosts, and the matching rules that decide whether a slot's
// advertised stereotype can serve a requested set.
package capability

import (
	"encoding/json"
	"maps"
	"sort"
	"strings"
)

// Well-known capability keys.
const (
	KeyBrowserName      = "browserName"
	KeyBrowserVersion   = "browserVersion"
	KeyPlatformName     = "platformName"
	KeyDownloadsEnabled = "se:downloadsEnabled"
)

// Set is an order-irrelevant mapping of capability names to heterogeneous
// values: strings, booleans, numbers and nested maps.
type Set map[string]any

func (s Set) BrowserName() string    { return s.str(KeyBrowserName) }
func (s Set) BrowserVersion() string { return s.str(KeyBrowserVersion) }
func (s Set) PlatformName() string   { return s.str(KeyPlatformName) }

func (s Set) str(key string) string {
	v, ok := s[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Has reports whether the key is present with a non-nil value.
func (s Set) Has(key string) bool {
	v, ok := s[key]
	return ok && v != nil
}

// Bool interprets the value under key as a boolean the way a wire payload
// would carry it: a native bool or the string "true".
func (s Set) Bool(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// Clone returns a shallow copy. Nested maps are shared; callers that rewrite
// nested options must copy those levels themselves (see Merge).
func (s Set) Clone() Set {
	if s == nil {
		return Set{}
	}
	return maps.Clone(s)
}

// Merge returns a new Set with entries from other overriding entries in s.
func (s Set) Merge(other Set) Set {
	out := s.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Key returns a canonical string form of the set, suitable for grouping
// identical stereotypes in a map. Keys are sorted so the form is stable.
func (s Set) Key() string {
	if len(s) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(s[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

func (s Set) String() string { return s.Key() }
