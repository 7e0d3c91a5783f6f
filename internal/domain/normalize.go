package domain

import "strings"

// NormalizeAnswer folds an answer or group label for matching:
// lowercase, trimmed, with one trailing "s" removed.
func NormalizeAnswer(s string) string {
	n := strings.TrimSpace(strings.ToLower(s))
	return strings.TrimSuffix(n, "s")
}
