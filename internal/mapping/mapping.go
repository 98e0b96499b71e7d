// Package mapping loads the "control the payload" configuration: an ordered
// list of mappings that shape the outbound request and the status report for
// each event. The file is loaded once at startup; a schema error is fatal.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Report is the template for the status patch sent back to Port.
// Each field may hold a literal or a jq expression string.
type Report struct {
	Status        any `json:"status,omitempty" yaml:"status,omitempty"`
	Link          any `json:"link,omitempty" yaml:"link,omitempty"`
	Summary       any `json:"summary,omitempty" yaml:"summary,omitempty"`
	ExternalRunID any `json:"externalRunId,omitempty" yaml:"externalRunId,omitempty"`
}

// Mapping is one entry of the configuration, evaluated in file order.
// The first mapping whose Enabled predicate holds wins; there is no merging
// across mappings.
type Mapping struct {
	// Enabled is either a boolean literal or a jq expression string that
	// must evaluate to true against the event. Defaults to true.
	Enabled any `json:"enabled" yaml:"enabled"`

	Method *string `json:"method,omitempty" yaml:"method,omitempty"`
	URL    *string `json:"url,omitempty" yaml:"url,omitempty"`

	// Body, Headers and Query are literals, jq expression strings, or
	// structured templates evaluated recursively.
	Body    any `json:"body,omitempty" yaml:"body,omitempty"`
	Headers any `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query   any `json:"query,omitempty" yaml:"query,omitempty"`

	Report *Report `json:"report,omitempty" yaml:"report,omitempty"`

	// FieldsToDecryptPaths lists dotted paths of AES-GCM encrypted fields
	// to decrypt before transformation.
	FieldsToDecryptPaths []string `json:"fieldsToDecryptPaths,omitempty" yaml:"fieldsToDecryptPaths,omitempty"`
}

// EnabledLiteral returns (value, true) when Enabled is a boolean literal.
func (m *Mapping) EnabledLiteral() (bool, bool) {
	b, ok := m.Enabled.(bool)
	return b, ok
}

// EnabledExpression returns (expr, true) when Enabled is a jq expression.
func (m *Mapping) EnabledExpression() (string, bool) {
	s, ok := m.Enabled.(string)
	return s, ok
}

// Store holds the ordered mapping list for the process lifetime.
type Store struct {
	mappings []Mapping
}

// Load reads and parses the mapping file. YAML is accepted for .yaml/.yml
// paths; everything else is parsed as JSON.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping config %s: %w", path, err)
	}

	var mappings []Mapping
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &mappings)
	default:
		err = json.Unmarshal(data, &mappings)
	}
	if err != nil {
		return nil, fmt.Errorf("parse mapping config %s: %w", path, err)
	}

	store := &Store{mappings: mappings}
	if err := store.validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping config %s: %w", path, err)
	}
	return store, nil
}

// NewStore wraps an in-memory mapping list (used by tests and defaults).
func NewStore(mappings []Mapping) *Store {
	return &Store{mappings: mappings}
}

// Mappings returns the ordered mapping list.
func (s *Store) Mappings() []Mapping {
	return s.mappings
}

// Len returns the number of mappings.
func (s *Store) Len() int {
	return len(s.mappings)
}

// validate rejects values the transformer cannot evaluate.
func (s *Store) validate() error {
	for i := range s.mappings {
		m := &s.mappings[i]
		if m.Enabled == nil {
			m.Enabled = true
			continue
		}
		switch m.Enabled.(type) {
		case bool, string:
		default:
			return fmt.Errorf("mapping %d: enabled must be a boolean or a jq expression string", i)
		}
	}
	return nil
}
