// Package modelmap resolves a routing role to the upstream provider and
// model that serve it.
package modelmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKey is the mandatory fallback entry.
const DefaultKey = "_default"

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Providers lists the provider names a map may reference.
var Providers = []string{ProviderOpenAI, ProviderAnthropic}

// ErrInvalidConfiguration means a role has no entry and the map has no
// _default to fall back to.
var ErrInvalidConfiguration = errors.New("modelmap: no mapping for role and no _default entry")

// ModelConfig names the upstream that serves a role.
type ModelConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// Map is role name to ModelConfig.
type Map map[string]ModelConfig

// Resolve returns the entry for role, else _default.
func (m Map) Resolve(role string) (ModelConfig, error) {
	if mc, ok := m[role]; ok {
		return mc, nil
	}
	if mc, ok := m[DefaultKey]; ok {
		return mc, nil
	}
	return ModelConfig{}, fmt.Errorf("%w: role %q", ErrInvalidConfiguration, role)
}

// Validate checks every entry names a supported provider and a model.
func (m Map) Validate() error {
	var problems []string
	for _, role := range m.Roles() {
		mc := m[role]
		if !slices.Contains(Providers, mc.Provider) {
			problems = append(problems, fmt.Sprintf("%s: unsupported provider %q", role, mc.Provider))
		}
		if strings.TrimSpace(mc.Model) == "" {
			problems = append(problems, fmt.Sprintf("%s: model is empty", role))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("modelmap: invalid entries: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HasDefault reports whether the _default entry is present.
func (m Map) HasDefault() bool {
	_, ok := m[DefaultKey]
	return ok
}

// Roles returns the map keys in sorted order.
func (m Map) Roles() []string {
	roles := make([]string, 0, len(m))
	for r := range m {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Format selects the decoder used by Parse.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFor picks a format from a file name or key.
func FormatFor(name string) Format {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Parse decodes and validates a model map document.
func Parse(data []byte, f Format) (Map, error) {
	var m Map
	var err error
	switch f {
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("modelmap: decode: %w", err)
	}
	if len(m) == 0 {
		return nil, errors.New("modelmap: map is empty")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
