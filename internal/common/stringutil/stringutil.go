// Package stringutil provides string helpers for text headed to
// single-line surfaces: tool call titles, log fields, event summaries.
package stringutil

// Truncate returns at most maxLen characters of s.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateWithEllipsis shortens s to maxLen characters, marking the cut
// with a "..." suffix. Strings already within the limit come back as is.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
