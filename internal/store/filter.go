package store

import (
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/veclite"
)

// Condition is a single predicate on a payload field. Exactly one of
// Value (exact match) or Prefix (case-insensitive string prefix) is used.
type Condition struct {
	Field  string
	Value  any
	Prefix string
}

// Match builds an exact-match condition.
func Match(field string, value any) Condition {
	return Condition{Field: field, Value: value}
}

// HasPrefix builds a case-insensitive prefix condition.
func HasPrefix(field, prefix string) Condition {
	return Condition{Field: field, Prefix: prefix}
}

func (c Condition) isPrefix() bool {
	return c.Value == nil && c.Prefix != ""
}

// Matches evaluates the condition against a payload.
func (c Condition) Matches(p Payload) bool {
	if c.isPrefix() {
		s, ok := p[c.Field].(string)
		return ok && strings.HasPrefix(strings.ToLower(s), strings.ToLower(c.Prefix))
	}

	got, ok := p[c.Field]
	if !ok {
		// An absent boolean reads as false.
		if b, isBool := c.Value.(bool); isBool {
			return !b
		}
		return false
	}
	switch want := c.Value.(type) {
	case bool:
		return p.Bool(c.Field) == want
	case string:
		s, ok := got.(string)
		return ok && s == want
	case int:
		return p.Int64(c.Field) == int64(want)
	case int64:
		return p.Int64(c.Field) == want
	default:
		return fmt.Sprint(got) == fmt.Sprint(want)
	}
}

// Filter selects points whose payload satisfies every Must condition and,
// when Should is non-empty, at least one Should condition.
type Filter struct {
	Must   []Condition
	Should []Condition
}

// IsEmpty reports whether the filter selects everything.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0)
}

// Matches evaluates the filter against a payload.
func (f *Filter) Matches(p Payload) bool {
	if f.IsEmpty() {
		return true
	}
	for _, c := range f.Must {
		if !c.Matches(p) {
			return false
		}
	}
	if len(f.Should) == 0 {
		return true
	}
	for _, c := range f.Should {
		if c.Matches(p) {
			return true
		}
	}
	return false
}

// Fields returns every field the filter references.
func (f *Filter) Fields() []string {
	if f == nil {
		return nil
	}
	fields := make([]string, 0, len(f.Must)+len(f.Should))
	for _, c := range f.Must {
		fields = append(fields, c.Field)
	}
	for _, c := range f.Should {
		fields = append(fields, c.Field)
	}
	return fields
}

// vecliteFilters translates the exact-match Must conditions the store can
// apply during the HNSW search. Everything else is post-filtered.
func (f *Filter) vecliteFilters() (filters []veclite.Filter, exact bool) {
	if f.IsEmpty() {
		return nil, true
	}
	exact = len(f.Should) == 0
	for _, c := range f.Must {
		if c.isPrefix() {
			exact = false
			continue
		}
		if b, ok := c.Value.(bool); ok && !b {
			// Points written without the field must still match false.
			exact = false
			continue
		}
		filters = append(filters, veclite.Equal(c.Field, c.Value))
	}
	return filters, exact
}
