package utils

import "strings"

// Truncate shortens s to at most n runes, appending an ellipsis marker when
// truncation actually happened. Used throughout logging call sites to keep
// previews of message/tool-output content readable.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n]), " \t\n") + "..."
}
