package agent

import "strings"

const truncateSuffix = "... (truncated)"

// Truncate shortens s to at most max characters, preferring to cut at a
// recent newline, then a recent space, before cutting mid-word. The
// suffix counts against the limit.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := max - len(truncateSuffix)
	if cut <= 0 {
		return truncateSuffix
	}

	lo := cut - 50
	if lo < 0 {
		lo = 0
	}
	if pos := strings.LastIndex(s[lo:cut], "\n"); pos > 0 {
		return s[:lo+pos] + truncateSuffix
	}

	lo = cut - 20
	if lo < 0 {
		lo = 0
	}
	if pos := strings.LastIndex(s[lo:cut], " "); pos > 0 {
		return s[:lo+pos] + truncateSuffix
	}

	return s[:cut] + truncateSuffix
}
