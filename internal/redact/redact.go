// Package redact scrubs secrets and configured confidential terms from text
// before it is sent to an external model.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// pemPattern matches PEM key blocks across multiple lines.
var pemPattern = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+KEY-----.*?-----END [A-Z ]+KEY-----`)

// defaultPatterns holds single-line secret-detection regexes in priority order.
var defaultPatterns = []*regexp.Regexp{
	// AWS access key IDs
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// OpenAI / Anthropic secret keys, word-boundary aware
	regexp.MustCompile(`(?:^|\s|["'])sk-[a-zA-Z0-9\-_]{20,}`),
	// JWT tokens (three base64url segments)
	regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
	// Bearer tokens; require minimum 20-char token to avoid false positives
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`),
	// Inline password assignments
	regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
	// Email addresses of control owners
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
}

// Redactor applies the default secret patterns plus any extra patterns.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles extra on top of the default patterns. Extra patterns are
// single-line regular expressions, typically internal system or vendor names
// that must not leave the organisation.
func New(extra []string) (*Redactor, error) {
	r := &Redactor{patterns: append([]*regexp.Regexp(nil), defaultPatterns...)}
	for _, p := range extra {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact replaces known secret patterns in input with [REDACTED].
// Line structure is preserved: the number of newlines in the output
// always equals the number of newlines in the input.
func (r *Redactor) Redact(input string) string {
	// Replace each line within a PEM block individually so the line count
	// is preserved.
	input = pemPattern.ReplaceAllStringFunc(input, func(match string) string {
		lines := strings.Split(match, "\n")
		for i := range lines {
			lines[i] = redacted
		}
		return strings.Join(lines, "\n")
	})

	for _, re := range r.patterns {
		input = re.ReplaceAllStringFunc(input, func(match string) string {
			// Extra patterns could span lines; keep the newlines.
			return redacted + strings.Repeat("\n", strings.Count(match, "\n"))
		})
	}
	return input
}

var defaultRedactor = &Redactor{patterns: defaultPatterns}

// Redact applies the default patterns only.
func Redact(input string) string {
	return defaultRedactor.Redact(input)
}
