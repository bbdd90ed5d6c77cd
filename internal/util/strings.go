// Package util holds small helpers shared across packages: safe string
// truncation for logging, URL normalization for identifier comparison,
// and IP address classification for SSRF checks.
package util

import "strings"

// SafeTruncate returns at most maxLen bytes of s. Used when logging a
// prefix of sensitive values like tokens and state parameters, where
// slicing directly would panic on short input. Negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so URL comparisons treat
// "https://example.com" and "https://example.com/" as the same
// identifier. Resource indicators and audience values are compared in
// this normalized form.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
