package helpers

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Useful when logging error text of unbounded size.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
