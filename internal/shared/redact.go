package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches the secret shapes this engine actually handles:
// platform bot tokens, webhook secret tokens, and generic key=value
// credentials that can leak into adapter error strings and audit reasons.
var secretPatterns = []*regexp.Regexp{
	// Telegram bot tokens: numeric bot id, colon, 35-char secret.
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`),
	// key=value / key: value credential assignments
	regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?token|secret[_-]?key|auth[_-]?token|webhook[_-]?secret)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Authorization headers echoed back by platform SDK errors
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// UUID-shaped tokens after auth-related prefixes
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with
// [REDACTED], keeping the key-like prefix when one was matched so the
// redacted line still reads as what it was.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns [REDACTED] for values whose key name looks
// secret-bearing, for logging environment/config snapshots.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
