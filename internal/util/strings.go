package util

// SafeTruncate returns at most maxLen bytes of s. Used when logging
// upstream response bodies or identifiers where only a prefix should be
// shown. A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
