package logging

import (
	"regexp"
	"strings"
)

// Patterns for values that must never leave the pipeline in log or error
// output: bearer credentials, long opaque secrets, and mailbox addresses.
var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/=]+`)
	secretPattern = regexp.MustCompile(`\b[A-Za-z0-9\-._~+/]{40,}\b`)
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
)

// Redact masks sensitive values in a message before it is logged or attached
// to a caller-facing error. Long opaque strings are kept recognisable by
// retaining their first and last four characters.
func Redact(message string) string {
	if message == "" {
		return message
	}
	message = bearerPattern.ReplaceAllString(message, "Bearer [REDACTED]")
	message = secretPattern.ReplaceAllStringFunc(message, func(s string) string {
		return s[:4] + "..." + s[len(s)-4:]
	})
	message = emailPattern.ReplaceAllStringFunc(message, func(s string) string {
		at := strings.Index(s, "@")
		if at <= 1 {
			return "[EMAIL]"
		}
		return s[:1] + "***" + s[at:]
	})
	return message
}
