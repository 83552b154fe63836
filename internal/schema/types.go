// Package schema holds introspected database metadata and its TTL cache.
//
// Metadata is built once per cache key by an adapter-specific introspector
// and is immutable afterwards; it is shared across concurrent tool calls
// without locking.
package schema

import "sort"

// Metadata maps model names to their structure.
type Metadata struct {
	Models map[string]ModelMetadata `json:"models"`
}

// ModelMetadata describes one model (table).
type ModelMetadata struct {
	Name       string                      `json:"name"`
	Table      string                      `json:"table"`
	Fields     map[string]FieldMetadata    `json:"fields"`
	Relations  map[string]RelationMetadata `json:"relations,omitempty"`
	PrimaryKey []string                    `json:"primary_key"`
}

// FieldMetadata describes one column.
type FieldMetadata struct {
	Name     string `json:"name"`
	Column   string `json:"column"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// RelationKind is the cardinality of a relation.
type RelationKind string

const (
	// BelongsTo: the local model holds the foreign key.
	BelongsTo RelationKind = "belongs_to"
	// HasMany: the target model holds the foreign key.
	HasMany RelationKind = "has_many"
)

// RelationMetadata describes a navigable link to another model.
type RelationMetadata struct {
	Name         string       `json:"name"`
	Target       string       `json:"target"`
	Kind         RelationKind `json:"kind"`
	LocalField   string       `json:"local_field"`
	ForeignField string       `json:"foreign_field"`
}

// Model looks up a model by name.
func (m *Metadata) Model(name string) (ModelMetadata, bool) {
	if m == nil {
		return ModelMetadata{}, false
	}
	mm, ok := m.Models[name]
	return mm, ok
}

// ModelNames returns model names in sorted order.
func (m *Metadata) ModelNames() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.Models))
	for n := range m.Models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FieldNames returns the model's field names in sorted order.
func (mm ModelMetadata) FieldNames() []string {
	names := make([]string, 0, len(mm.Fields))
	for n := range mm.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasField reports whether the model declares field.
func (mm ModelMetadata) HasField(field string) bool {
	_, ok := mm.Fields[field]
	return ok
}

// Nullable reports whether field may hold NULL. Unknown fields are not
// nullable.
func (mm ModelMetadata) Nullable(field string) bool {
	return mm.Fields[field].Nullable
}

// Column returns the physical column for a field, defaulting to the field
// name when the introspector did not record one.
func (mm ModelMetadata) Column(field string) string {
	if f, ok := mm.Fields[field]; ok && f.Column != "" {
		return f.Column
	}
	return field
}

// PrimaryKeyField returns the first primary key field, or "id".
func (mm ModelMetadata) PrimaryKeyField() string {
	if len(mm.PrimaryKey) > 0 {
		return mm.PrimaryKey[0]
	}
	return "id"
}
