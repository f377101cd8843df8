package format

import "strings"

// Redacted replaces every sensitive value in formatter output.
const Redacted = "[REDACTED]"

// sensitiveMarkers match key names by lowercase substring. Some entries are
// subsumed by shorter ones; the list mirrors the sanitization contract.
var sensitiveMarkers = []string{
	"password",
	"token",
	"key",
	"secret",
	"credential",
	"auth",
	"api_key",
	"access_token",
	"refresh_token",
}

// SensitiveKey reports whether a key name must have its value redacted.
func SensitiveKey(key string) bool {
	lk := strings.ToLower(key)
	for _, m := range sensitiveMarkers {
		if strings.Contains(lk, m) {
			return true
		}
	}
	return false
}

// Sanitize walks maps and lists, replacing values under sensitive keys with
// the redaction marker. Scalars pass through untouched.
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return v
	}
}
