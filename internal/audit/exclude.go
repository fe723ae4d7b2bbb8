package audit

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ExcludeList names models whose records are kept out of durable sinks.
// Rules are exact names or, when wrapped in slashes, regular expressions
// ("/^o1-/"). A nil *ExcludeList matches nothing.
type ExcludeList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// ParseExcludeList compiles rules. Empty rules are skipped; an invalid
// pattern is an error so misconfiguration fails at startup.
func ParseExcludeList(rules []string) (*ExcludeList, error) {
	el := &ExcludeList{exact: make(map[string]struct{}, len(rules))}

	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if len(r) > 2 && strings.HasPrefix(r, "/") && strings.HasSuffix(r, "/") {
			re, err := regexp.Compile(r[1 : len(r)-1])
			if err != nil {
				return nil, fmt.Errorf("audit: invalid exclude pattern %q: %w", r, err)
			}
			el.patterns = append(el.patterns, re)
			continue
		}
		el.exact[r] = struct{}{}
	}

	return el, nil
}

// Matches reports whether model is excluded.
func (el *ExcludeList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

func (el *ExcludeList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}

// Excluding wraps a durable sink so records for excluded models are
// skipped.
func Excluding(s Sink, el *ExcludeList) Sink {
	if el.Len() == 0 {
		return s
	}
	return &excludingSink{Sink: s, exclude: el}
}

type excludingSink struct {
	Sink
	exclude *ExcludeList
}

func (s *excludingSink) Write(ctx context.Context, rec Record) error {
	if s.exclude.Matches(rec.Model) {
		return nil
	}
	return s.Sink.Write(ctx, rec)
}

// Close forwards to the wrapped sink when it is closable.
func (s *excludingSink) Close() error {
	if c, ok := s.Sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
