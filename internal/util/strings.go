package util

import "strings"

// DefaultString returns the fallback value if v is empty or whitespace-only;
// otherwise it returns v unchanged.
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" for empty or whitespace-only strings. Used when
// rendering optional fields (such as a tunnel label) in table output.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}
