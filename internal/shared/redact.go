package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials embedded in free text. Patterns with two
// groups keep the first (the label) and replace the second.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic, OpenRouter and OpenAI keys.
	regexp.MustCompile(`sk-(?:ant-|or-)?[A-Za-z0-9_\-]{20,}`),
	// AWS access key ids (Bedrock).
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// Gemini keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact replaces credentials found in s with [REDACTED].
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			if sub := pat.FindStringSubmatch(match); len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return s
}

// sensitiveKeyParts are matched against a key folded to lower case with
// separators removed, so apiKey, api_key and API-KEY all hit "apikey".
// Bare "token" is absent: token counts are logged everywhere.
var sensitiveKeyParts = []string{
	"apikey", "secret", "password", "credential", "accesskey",
	"authtoken", "accesstoken", "sessiontoken", "authorization", "bearer",
}

// IsSensitiveKey reports whether a setting or log attribute name looks like
// it holds a credential.
func IsSensitiveKey(key string) bool {
	folded := strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == '.' || r == ' ' {
			return -1
		}
		return r
	}, strings.ToLower(key))
	if folded == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(folded, part) {
			return true
		}
	}
	return false
}
