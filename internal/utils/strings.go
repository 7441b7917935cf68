package utils

// Truncate limits s to n bytes, used to keep stored error messages bounded.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
