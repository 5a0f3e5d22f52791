package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing values that show up in logs, bus
// events and error strings.
var secretPatterns = []*regexp.Regexp{
	// Key-like prefixes followed by a long opaque value.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens, also embedded in api.telegram.org URLs.
	regexp.MustCompile(`(bot)?[0-9]{6,12}:[A-Za-z0-9_\-]{30,}`),
	// Matrix access tokens (syt_<user>_<random>_<crc>).
	regexp.MustCompile(`syt_[A-Za-z0-9_\-]{20,}`),
	// Google API keys (AIza pattern)
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// OpenAI / Anthropic / OpenRouter style keys.
	regexp.MustCompile(`sk-(ant-|or-)?[A-Za-z0-9_\-]{20,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key prefix, drop the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 && submatch[2] != "" {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}
