package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretRules match text that may reach logs, the audit trail or a stored
// error message. Only the "secret" group is replaced; a rule without that
// group masks the whole match.
var secretRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|credential|bearer)\s*[:=]\s*"?(?P<secret>[A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)Bearer\s+(?P<secret>[A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`hs_[A-Za-z0-9]{24,}`),
	regexp.MustCompile(`(?i)https?://[^:/\s]+:(?P<secret>[^@\s]+)@`),
	regexp.MustCompile(`(?i)[?&](?:access_token|token|key)=(?P<secret>[^&\s]+)`),
}

// Redact masks credentials in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, re := range secretRules {
		s = maskRule(re, s)
	}
	return s
}

func maskRule(re *regexp.Regexp, s string) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}
	group := re.SubexpIndex("secret")
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if group > 0 && m[2*group] >= 0 {
			start, end = m[2*group], m[2*group+1]
		}
		b.WriteString(s[last:start])
		b.WriteString(redactedPlaceholder)
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

var sensitiveEnvWords = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue masks value when key names a secret.
func RedactEnvValue(key, value string) string {
	k := strings.ToLower(key)
	for _, w := range sensitiveEnvWords {
		if strings.Contains(k, w) {
			return redactedPlaceholder
		}
	}
	return value
}
