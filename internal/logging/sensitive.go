package logging

import (
	"regexp"
	"strings"
)

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// sensitiveFields are attribute keys masked on exact match.
var sensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"pass":          true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"x-api-key":     true,
	"api_keys":      true,
	"authorization": true,
	"cookie":        true,
	"private_key":   true,
	"sasl_password": true,
}

// sensitiveFragments mask any key that contains them.
var sensitiveFragments = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"private_key",
	"credential",
}

// IsSensitiveField reports whether a log attribute key names a secret.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if sensitiveFields[lower] {
		return true
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks value when fieldName is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskAPIKey keeps the first and last four characters of a key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// sensitivePatterns find secrets inside free text such as raw log lines.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ABIA|ACCA|AGPA|AIDA|AIPA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(sk_live_|pk_live_|sk_test_|pk_test_)[a-zA-Z0-9]+`),
}

// MaskSensitivePatterns masks secret-looking substrings of s.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}
