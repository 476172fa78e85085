package store

import (
	"strings"
)

// Point types stored in the payload "type" field.
const (
	TypeCommand = "command"
	TypeExample = "example"
)

// Payload field names shared by the indexer and the query engine. Name,
// deprecation and type are written under both snake_case and camelCase keys.
const (
	FieldPointID        = "point_id"
	FieldType           = "type"
	FieldCommandID      = "command_id"
	FieldCommandName    = "command_name"
	FieldCommandNameAlt = "commandName"
	FieldVersion        = "version"
	FieldDescription    = "description"
	FieldSyntax         = "syntax"
	FieldNotes          = "notes"
	FieldDeprecated     = "is_deprecated"
	FieldDeprecatedAlt  = "isDeprecated"
	FieldParameters     = "parameters"
	FieldExampleID      = "example_id"
	FieldTitle          = "title"
	FieldCode           = "code"
)

// DefaultIndexedFields are given a payload index by EnsureCollection.
var DefaultIndexedFields = []IndexedField{
	{Name: FieldCommandName, Kind: KindKeyword},
	{Name: FieldCommandNameAlt, Kind: KindKeyword},
	{Name: FieldVersion, Kind: KindKeyword},
	{Name: FieldDeprecatedAlt, Kind: KindBool},
	{Name: FieldDeprecated, Kind: KindBool},
	{Name: FieldType, Kind: KindKeyword},
}

// Payload is the flattened record stored alongside a vector.
type Payload map[string]any

// String returns the string value of key, or "".
func (p Payload) String(key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Bool returns the boolean value of key. Missing keys are false.
func (p Payload) Bool(key string) bool {
	if v, ok := p[key]; ok {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return strings.EqualFold(b, "true")
		}
	}
	return false
}

// Int64 returns the integer value of key. Decoded payloads may hold
// numbers as float64.
func (p Payload) Int64(key string) int64 {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

// Strings returns a string list stored under key.
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// CommandName returns the name under either key spelling.
func (p Payload) CommandName() string {
	if name := p.String(FieldCommandName); name != "" {
		return name
	}
	return p.String(FieldCommandNameAlt)
}

// Point is one vector and its payload. ID is the command id for commands
// and "example-<id>" for examples.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a search hit. Score is the similarity to the query vector,
// higher is closer.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload Payload
}
