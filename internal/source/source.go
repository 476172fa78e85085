// Package source reads the command records that the search index mirrors.
package source

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ID is an opaque record identifier. Numeric ids in JSON or YAML input are
// accepted and kept in their decimal form.
type ID string

// UnmarshalJSON accepts both strings and numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// UnmarshalYAML accepts any scalar.
func (id *ID) UnmarshalYAML(node *yaml.Node) error {
	*id = ID(node.Value)
	return nil
}

func (id ID) String() string { return string(id) }

// CommandRecord is one command of the deployment toolkit.
type CommandRecord struct {
	ID           ID                `json:"id" yaml:"id"`
	CommandName  string            `json:"commandName" yaml:"commandName"`
	Version      string            `json:"version,omitempty" yaml:"version,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Syntax       string            `json:"syntax,omitempty" yaml:"syntax,omitempty"`
	Notes        string            `json:"notes,omitempty" yaml:"notes,omitempty"`
	IsDeprecated bool              `json:"isDeprecated,omitempty" yaml:"isDeprecated,omitempty"`
	Parameters   []ParameterRecord `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Examples     []ExampleRecord   `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// ParameterRecord describes one parameter of a command.
type ParameterRecord struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// ExampleRecord is a usage example. It is indexed as its own point.
type ExampleRecord struct {
	ID          ID     `json:"id" yaml:"id"`
	CommandID   ID     `json:"commandId,omitempty" yaml:"commandId,omitempty"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Code        string `json:"code,omitempty" yaml:"code,omitempty"`
}

// Source supplies the current set of command records.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// ListCommands returns every command with its parameters and examples.
	ListCommands(ctx context.Context) ([]CommandRecord, error)
}

// ParameterNames returns the parameter names in declaration order.
func (r CommandRecord) ParameterNames() []string {
	names := make([]string, 0, len(r.Parameters))
	for _, p := range r.Parameters {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

// document is the top-level shape of a record file: either a bare list or
// an object with a "commands" key.
type document struct {
	Commands []CommandRecord `json:"commands" yaml:"commands"`
}

func decodeJSON(data []byte) ([]CommandRecord, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var records []CommandRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Commands, nil
}

func decodeYAML(data []byte) ([]CommandRecord, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var records []CommandRecord
		if err := root.Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var doc document
	if err := root.Decode(&doc); err != nil {
		return nil, err
	}
	return doc.Commands, nil
}

// normalize fills example parent ids and merges duplicates, keeping the
// last occurrence of each command id in first-seen position.
func normalize(records []CommandRecord) []CommandRecord {
	index := make(map[ID]int, len(records))
	out := make([]CommandRecord, 0, len(records))
	for _, r := range records {
		r.Examples = append([]ExampleRecord(nil), r.Examples...)
		for i := range r.Examples {
			if r.Examples[i].CommandID == "" {
				r.Examples[i].CommandID = r.ID
			}
		}
		if pos, ok := index[r.ID]; ok {
			out[pos] = r
			continue
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// Static is an in-memory source, used by tests and by callers that already
// hold the records.
type Static struct {
	name string

	mu      sync.RWMutex
	records []CommandRecord
}

// NewStatic creates a Static source.
func NewStatic(name string, records []CommandRecord) *Static {
	return &Static{name: name, records: normalize(records)}
}

// Name returns the source name.
func (s *Static) Name() string { return s.name }

// Replace swaps the held records.
func (s *Static) Replace(records []CommandRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = normalize(records)
}

// ListCommands returns a copy of the held records.
func (s *Static) ListCommands(ctx context.Context) ([]CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CommandRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}
