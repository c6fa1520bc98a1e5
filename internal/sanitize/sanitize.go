// Package sanitize is the string-rewriting pass applied to custom-event
// payloads before they are buffered. It is a pure function with no state:
// it never fails, and non-JSON input passes through unchanged.
package sanitize

import (
	"encoding/json"
	"regexp"
)

var (
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@([A-Za-z0-9.-]+\.[A-Za-z]{2,})\b`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`)
)

// Sanitize rewrites sensitive substrings in every string value of a JSON
// payload. Input that does not parse as JSON is returned as-is.
func Sanitize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}

	cleaned, err := json.Marshal(sanitizeValue(value))
	if err != nil {
		return raw
	}

	return cleaned
}

// String applies the same rewriting to a bare string.
func String(s string) string {
	s = emailPattern.ReplaceAllString(s, "[email]@$1")
	s = cardPattern.ReplaceAllString(s, "[redacted]")
	s = bearerPattern.ReplaceAllString(s, "Bearer [redacted]")
	return s
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return String(val)
	case map[string]any:
		for k, inner := range val {
			val[k] = sanitizeValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = sanitizeValue(inner)
		}
		return val
	default:
		return v
	}
}
