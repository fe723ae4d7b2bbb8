// Package roles maps a client-supplied model alias, the conversation and an
// optional trusted header onto a routing role.
package roles

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
)

const (
	BackendDeveloper  = "backend_developer"
	FrontendDeveloper = "frontend_developer"
	QAResearch        = "qa_research"
	Infrastructure    = "infrastructure"
)

// Rule assigns Role when the input equals one of Exact or contains one of
// Contains. Matching is done on lowercased input.
type Rule struct {
	Role     string   `yaml:"role"`
	Exact    []string `yaml:"exact"`
	Contains []string `yaml:"contains"`
}

func (r Rule) match(s string) bool {
	if slices.Contains(r.Exact, s) {
		return true
	}
	for _, sub := range r.Contains {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Policy is the ordered rule table. Within Keywords and within Mentions the
// first matching rule wins.
type Policy struct {
	Keywords []Rule   `yaml:"keywords"`
	Mentions []Rule   `yaml:"mentions"`
	Known    []string `yaml:"known"`
}

// DefaultPolicy returns the built-in table.
func DefaultPolicy() Policy {
	return Policy{
		Keywords: []Rule{
			{Role: BackendDeveloper, Exact: []string{"backend", "server"}},
			{Role: FrontendDeveloper, Contains: []string{"frontend", "react", "vue", "ui"}},
			{Role: QAResearch, Contains: []string{"qa", "test"}},
			{Role: Infrastructure, Contains: []string{"devops", "infrastructure", "deploy"}},
			{Role: QAResearch, Contains: []string{"data", "analytics"}},
			{Role: BackendDeveloper, Contains: []string{"backend", "api"}},
		},
		Mentions: []Rule{
			{Role: BackendDeveloper, Contains: []string{"@backend", "@server"}},
			{Role: FrontendDeveloper, Contains: []string{"@frontend", "@ui", "@react"}},
			{Role: Infrastructure, Contains: []string{"@devops", "@infrastructure"}},
			{Role: QAResearch, Contains: []string{"@qa", "@test"}},
		},
		Known: []string{BackendDeveloper, FrontendDeveloper, QAResearch, Infrastructure},
	}
}

// LoadPolicy reads a YAML policy file. Sections left empty in the file fall
// back to the default table.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("roles: read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("roles: parse policy %s: %w", path, err)
	}
	def := DefaultPolicy()
	if len(p.Keywords) == 0 {
		p.Keywords = def.Keywords
	}
	if len(p.Mentions) == 0 {
		p.Mentions = def.Mentions
	}
	if len(p.Known) == 0 {
		p.Known = def.Known
	}
	for i, r := range p.Keywords {
		if r.Role == "" {
			return Policy{}, fmt.Errorf("roles: invalid policy: keyword rule %d has no role", i)
		}
	}
	for i, r := range p.Mentions {
		if r.Role == "" {
			return Policy{}, fmt.Errorf("roles: invalid policy: mention rule %d has no role", i)
		}
	}
	return p, nil
}

// Resolver applies a Policy. It is immutable and safe for concurrent use.
type Resolver struct {
	policy Policy
}

// New returns a Resolver for p.
func New(p Policy) *Resolver {
	return &Resolver{policy: p}
}

// Resolve returns the role for a request. It never fails: when nothing
// matches, the alias itself is the role.
//
// Precedence, lowest to highest: the raw alias, alias keywords, an @mention
// in the first message, the header role (only when it names a known role).
func (r *Resolver) Resolve(alias string, msgs []canonical.Message, headerRole string) string {
	role := alias

	lower := strings.ToLower(alias)
	if rule, ok := first(r.policy.Keywords, lower); ok {
		role = rule.Role
	}

	if len(msgs) > 0 && msgs[0].Content != "" {
		if rule, ok := first(r.policy.Mentions, strings.ToLower(msgs[0].Content)); ok {
			role = rule.Role
		}
	}

	if headerRole != "" && slices.Contains(r.policy.Known, headerRole) {
		role = headerRole
	}
	return role
}

func first(rules []Rule, s string) (Rule, bool) {
	for _, rule := range rules {
		if rule.match(s) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Known reports whether role is one of the policy's named roles.
func (r *Resolver) Known(role string) bool {
	return slices.Contains(r.policy.Known, role)
}
