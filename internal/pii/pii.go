// Package pii masks personal data in text before it reaches log or audit
// sinks.
package pii

import "regexp"

// Pattern is one masking rule. Patterns run in table order, so a rule that
// overlaps a later one must come first.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultPatterns masks e-mail addresses, phone numbers in the 0-prefixed
// national format and long digit runs such as card numbers.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
			Replacement: "[EMAIL]",
		},
		{
			Name:        "phone",
			Regex:       regexp.MustCompile(`\b0\d{1,4}-?\d{1,4}-?\d{4}\b`),
			Replacement: "[PHONE]",
		},
		{
			Name:        "number",
			Regex:       regexp.MustCompile(`\b\d{13,16}\b`),
			Replacement: "[NUMBER]",
		},
	}
}

// Scrubber applies a pattern table. The zero value masks nothing.
type Scrubber struct {
	enabled  bool
	patterns []Pattern
}

// New returns a Scrubber with the default patterns. When enabled is false
// Scrub returns its input unchanged.
func New(enabled bool) *Scrubber {
	return &Scrubber{enabled: enabled, patterns: DefaultPatterns()}
}

// NewWithPatterns returns an enabled Scrubber over a custom table.
func NewWithPatterns(patterns []Pattern) *Scrubber {
	return &Scrubber{enabled: true, patterns: patterns}
}

// Enabled reports whether masking is active. Safe on a nil receiver.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled
}

// Scrub returns text with every pattern replaced.
func (s *Scrubber) Scrub(text string) string {
	if !s.Enabled() || text == "" {
		return text
	}
	for _, p := range s.patterns {
		text = p.Regex.ReplaceAllLiteralString(text, p.Replacement)
	}
	return text
}
