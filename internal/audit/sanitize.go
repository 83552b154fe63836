package audit

import (
	"strings"
	"unicode/utf8"
)

// Redacted replaces values of secret-looking keys.
const Redacted = "[REDACTED]"

// MaxStringLen is the longest string kept verbatim in sanitized inputs.
const MaxStringLen = 1024

var secretKeys = []string{"password", "passwd", "token", "secret", "api_key", "apikey", "authorization"}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Sanitize copies inputs, replacing values of secret-looking keys at any
// depth and truncating long strings. The argument is never modified.
func Sanitize(inputs map[string]any) map[string]any {
	if inputs == nil {
		return nil
	}
	out, _ := sanitizeValue(inputs).(map[string]any)
	return out
}

// SanitizeValue applies Sanitize rules to any JSON-shaped value.
func SanitizeValue(v any) any {
	return sanitizeValue(v)
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if isSecretKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = sanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case string:
		return truncate(val)
	}
	return v
}

func truncate(s string) string {
	if len(s) <= MaxStringLen {
		return s
	}
	cut := MaxStringLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}
