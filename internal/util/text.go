package util

import "strings"

// SanitizePostgresText drops invalid UTF-8 and NUL bytes, both of which
// Postgres rejects in text columns.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// SanitizePostgresTexts applies SanitizePostgresText to every element and
// drops elements that end up empty.
func SanitizePostgresTexts(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := SanitizePostgresText(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
