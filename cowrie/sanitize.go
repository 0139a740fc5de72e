package cowrie

import "strings"

// SanitizeString strips C0 control characters (except tab, LF, CR) and
// DEL from a string. Honeypot payloads routinely carry raw terminal
// control bytes captured from attacker sessions; they must never reach
// storage or a report.
func SanitizeString(s string) string {
	// Fast path: most strings are clean.
	clean := true
	for _, r := range s {
		if isStripped(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isStripped(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isStripped(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}

// SanitizeTree walks a decoded JSON document and sanitizes every string
// value in place, including map keys' values inside nested objects and
// arrays. The input value is returned for convenience.
func SanitizeTree(v any) any {
	switch v := v.(type) {
	case string:
		return SanitizeString(v)
	case map[string]any:
		for k, e := range v {
			v[k] = SanitizeTree(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = SanitizeTree(e)
		}
		return v
	}
	return v
}

// SanitizeStrings sanitizes a string slice in place and returns it.
func SanitizeStrings(ss []string) []string {
	for i, s := range ss {
		ss[i] = SanitizeString(s)
	}
	return ss
}
