// Package secrets implements the sealed-secret token format and the
// in-guest log redactor spec §4.6/§4.7 reference, grounded on
// techsavvyash-aetherium's pkg/security/redactor.go and
// diggerhq-opencomputer's internal/auth/jwt.go.
package secrets

import (
	"regexp"
	"strings"
)

// Redactor scrubs known secret values and common credential shapes from
// text before it reaches a log sink, matching the runtime's SECRET_VALUES
// pass-through (spec §4.7 step 4).
type Redactor struct {
	secrets  []string
	patterns []*regexp.Regexp
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`sk-ant-api03-[a-zA-Z0-9_-]{95}`),
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{48}`),
	regexp.MustCompile(`(?i)api[_-]?key["\s:=]+[a-zA-Z0-9_\-]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]{20,}`),
	regexp.MustCompile(`-----BEGIN\s+(?:RSA|DSA|EC|OPENSSH|PGP)\s+PRIVATE\s+KEY-----[\s\S]+?-----END\s+(?:RSA|DSA|EC|OPENSSH|PGP)\s+PRIVATE\s+KEY-----`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`vm0_enc_[A-Za-z0-9_\-\.]+`),
}

// NewRedactor builds a Redactor over the run's exact secret values (the
// ExecutionContext's SecretValues) plus the default pattern set.
func NewRedactor(secretValues []string) *Redactor {
	filtered := make([]string, 0, len(secretValues))
	for _, v := range secretValues {
		if len(v) > 3 {
			filtered = append(filtered, v)
		}
	}
	return &Redactor{secrets: filtered, patterns: defaultPatterns}
}

// Redact replaces every known secret value and pattern match with a fixed
// marker.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}

	redacted := text
	for _, secret := range r.secrets {
		redacted = strings.ReplaceAll(redacted, secret, "[REDACTED]")
	}
	for _, pattern := range r.patterns {
		redacted = pattern.ReplaceAllString(redacted, "[REDACTED]")
	}
	return redacted
}
