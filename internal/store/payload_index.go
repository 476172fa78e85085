package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// FieldKind is the schema of an indexed payload field.
type FieldKind string

const (
	KindKeyword FieldKind = "keyword"
	KindBool    FieldKind = "bool"
)

// IndexedField is a payload field that gets a secondary index.
type IndexedField struct {
	Name string
	Kind FieldKind
}

// foldedPrefix names the lowercased copy of a keyword field used for
// case-insensitive prefix queries.
const foldedPrefix = "folded_"

// payloadIndex is an in-memory bleve index over the filterable payload
// fields. It answers scroll queries without a vector and is rebuilt from
// the collection on open.
type payloadIndex struct {
	index  bleve.Index
	fields map[string]FieldKind
}

// newPayloadIndex builds the mapping for fields. A field that cannot be
// indexed is logged and skipped; the remaining fields are still indexed.
func newPayloadIndex(fields []IndexedField, logger *slog.Logger) (*payloadIndex, error) {
	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false

	indexed := make(map[string]FieldKind, len(fields))
	for _, f := range fields {
		if err := addFieldMapping(doc, f); err != nil {
			logger.Warn("payload index not created", "field", f.Name, "kind", f.Kind, "error", err)
			continue
		}
		indexed[f.Name] = f.Kind
	}

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc

	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, err
	}
	return &payloadIndex{index: idx, fields: indexed}, nil
}

func addFieldMapping(doc *mapping.DocumentMapping, f IndexedField) error {
	if f.Name == "" || strings.ContainsAny(f.Name, ". ") {
		return fmt.Errorf("invalid field name %q", f.Name)
	}
	switch f.Kind {
	case KindKeyword:
		doc.AddFieldMappingsAt(f.Name, bleve.NewKeywordFieldMapping())
		doc.AddFieldMappingsAt(foldedPrefix+f.Name, bleve.NewKeywordFieldMapping())
	case KindBool:
		doc.AddFieldMappingsAt(f.Name, bleve.NewBooleanFieldMapping())
	default:
		return fmt.Errorf("unsupported field kind %q", f.Kind)
	}
	return nil
}

// Fields returns the names of the indexed fields.
func (pi *payloadIndex) Fields() []string {
	names := make([]string, 0, len(pi.fields))
	for _, f := range DefaultIndexedFields {
		if _, ok := pi.fields[f.Name]; ok {
			names = append(names, f.Name)
		}
	}
	var extra []string
	for name := range pi.fields {
		if !containsField(DefaultIndexedFields, name) {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}

func containsField(fields []IndexedField, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Covers reports whether every field of filter is indexed.
func (pi *payloadIndex) Covers(filter *Filter) bool {
	for _, name := range filter.Fields() {
		if _, ok := pi.fields[name]; !ok {
			return false
		}
	}
	return true
}

func (pi *payloadIndex) document(p Payload) map[string]any {
	doc := make(map[string]any, len(pi.fields)*2)
	for name, kind := range pi.fields {
		switch kind {
		case KindKeyword:
			if s := p.String(name); s != "" {
				doc[name] = s
				doc[foldedPrefix+name] = strings.ToLower(s)
			}
		case KindBool:
			doc[name] = p.Bool(name)
		}
	}
	return doc
}

// Put indexes or replaces the payload of one point.
func (pi *payloadIndex) Put(id string, p Payload) error {
	return pi.index.Index(id, pi.document(p))
}

// PutAll indexes many points in one batch.
func (pi *payloadIndex) PutAll(points map[string]Payload) error {
	batch := pi.index.NewBatch()
	for id, p := range points {
		if err := batch.Index(id, pi.document(p)); err != nil {
			return err
		}
	}
	return pi.index.Batch(batch)
}

// Remove deletes a point from the index.
func (pi *payloadIndex) Remove(id string) error {
	return pi.index.Delete(id)
}

// Query returns the ids of points matching filter, ordered by id.
func (pi *payloadIndex) Query(ctx context.Context, filter *Filter, limit int) ([]string, error) {
	q := pi.toQuery(filter)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.SortBy([]string{"_id"})

	res, err := pi.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

func (pi *payloadIndex) toQuery(filter *Filter) query.Query {
	if filter.IsEmpty() {
		return bleve.NewMatchAllQuery()
	}

	var clauses []query.Query
	for _, c := range filter.Must {
		clauses = append(clauses, pi.conditionQuery(c))
	}
	if len(filter.Should) > 0 {
		either := make([]query.Query, 0, len(filter.Should))
		for _, c := range filter.Should {
			either = append(either, pi.conditionQuery(c))
		}
		clauses = append(clauses, bleve.NewDisjunctionQuery(either...))
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return bleve.NewConjunctionQuery(clauses...)
}

func (pi *payloadIndex) conditionQuery(c Condition) query.Query {
	if c.isPrefix() {
		q := bleve.NewPrefixQuery(strings.ToLower(c.Prefix))
		q.SetField(foldedPrefix + c.Field)
		return q
	}

	if b, ok := c.Value.(bool); ok {
		q := bleve.NewBoolFieldQuery(b)
		q.SetField(c.Field)
		return q
	}

	q := bleve.NewTermQuery(fmt.Sprint(c.Value))
	q.SetField(c.Field)
	return q
}

// Count returns the number of indexed points.
func (pi *payloadIndex) Count() (uint64, error) {
	return pi.index.DocCount()
}

func (pi *payloadIndex) Close() error {
	return pi.index.Close()
}
