package util

// ShortCommit abbreviates a commit id for display.
func ShortCommit(commitID string) string {
	if len(commitID) > 12 {
		return commitID[:12]
	}
	return commitID
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
