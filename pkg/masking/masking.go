// Package masking redacts secret-shaped values from runner output before it
// is buffered, persisted, or streamed to clients. Shell commands routinely
// echo environment dumps, config files, and key material; everything leaving
// a runner passes through a Masker first.
package masking

import (
	"log/slog"
	"regexp"
	"strings"
)

// Pattern is one named redaction rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the secret shapes that show up in command output.
// Patterns key off a label (api_key, password, token) rather than matching
// bare high-entropy strings, so ordinary output passes through untouched.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "api_key",
		pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
		replacement: `api_key=__MASKED_API_KEY__`,
	},
	{
		name:        "password",
		pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		replacement: `password=__MASKED_PASSWORD__`,
	},
	{
		name:        "token",
		pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{16,})["']?`,
		replacement: `token=__MASKED_TOKEN__`,
	},
	{
		name:        "secret_key",
		pattern:     `(?i)(?:secret[_-]?key|private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{16,})["']?`,
		replacement: `secret_key=__MASKED_SECRET_KEY__`,
	},
	{
		name:        "aws_access_key",
		pattern:     `\bAKIA[A-Z0-9]{16}\b`,
		replacement: `__MASKED_AWS_KEY__`,
	},
	{
		name:        "certificate",
		pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		replacement: `__MASKED_CERTIFICATE__`,
	},
	{
		name:        "ssh_key",
		pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		replacement: `__MASKED_SSH_KEY__`,
	},
}

// Masker applies the builtin patterns plus any registered literal secrets.
// Thread-safe after construction; Mask never mutates state.
type Masker struct {
	patterns []*Pattern
	literals []string
}

// New compiles the builtin patterns plus any custom ones. An invalid custom
// pattern is logged and skipped rather than failing construction.
func New(custom ...Pattern) *Masker {
	m := &Masker{}
	for _, p := range builtinPatterns {
		// Builtin patterns are compile-checked by tests; MustCompile is safe.
		m.patterns = append(m.patterns, &Pattern{
			Name:        p.name,
			Regex:       regexp.MustCompile(p.pattern),
			Replacement: p.replacement,
		})
	}
	for i := range custom {
		p := custom[i]
		if p.Regex == nil {
			slog.Error("Custom masking pattern has no regex, skipping", "pattern", p.Name)
			continue
		}
		m.patterns = append(m.patterns, &p)
	}
	return m
}

// AddLiteral registers a known plaintext secret, such as a credential
// resolved for a command's environment. Literals shorter than six characters
// are ignored; masking them would shred unrelated output.
func (m *Masker) AddLiteral(secret string) {
	if len(secret) < 6 {
		return
	}
	m.literals = append(m.literals, secret)
}

// Mask returns data with every pattern match and literal replaced.
func (m *Masker) Mask(data string) string {
	if data == "" {
		return data
	}
	for _, lit := range m.literals {
		data = strings.ReplaceAll(data, lit, "__MASKED_SECRET__")
	}
	for _, p := range m.patterns {
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}
