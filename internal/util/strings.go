package util

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking.
// It is used when logging identifiers where only a prefix should be shown.
// A negative maxLen returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so "https://example.com/" and
// "https://example.com" compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitList splits a comma separated list, trimming whitespace and dropping empty entries.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
