package middleware

import "strings"

// MaskToken keeps only a short prefix of a credential for log lines.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
