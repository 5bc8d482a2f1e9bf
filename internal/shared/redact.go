package shared

import (
	"maps"
	"regexp"
	"slices"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log, event and error strings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Provider keys users commonly pass through User-Env.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
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

// RedactEnvValue returns [REDACTED] when key looks like it names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return Redact(value)
}

// EnvKeys returns the sorted keys of env. User environments are logged by
// key only.
func EnvKeys(env map[string]string) []string {
	return slices.Sorted(maps.Keys(env))
}
