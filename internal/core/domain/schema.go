package domain

import "time"

// Field describes a single column of a schema. Length is the declared maximum
// length for sized types, 0 means unbounded.
type Field struct {
	Name     string `json:"name"     yaml:"name"`
	Type     string `json:"type"     yaml:"type"`
	Nullable bool   `json:"nullable" yaml:"nullable"`
	Length   int    `json:"length,omitempty" yaml:"length"`
}

// SchemaSnapshot is an ordered set of fields. Version is assigned by the schema
// store on acceptance, 0 means not yet accepted.
type SchemaSnapshot struct {
	Version    int       `json:"version"`
	Fields     []Field   `json:"fields"`
	AcceptedAt time.Time `json:"accepted_at,omitzero"`
}

// Lookup returns the field with the given name. Names are case-sensitive.
func (s *SchemaSnapshot) Lookup(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Index maps field names to fields.
func (s *SchemaSnapshot) Index() map[string]Field {
	idx := make(map[string]Field)
	if s == nil {
		return idx
	}
	for _, f := range s.Fields {
		idx[f.Name] = f
	}
	return idx
}

// Clone returns a deep copy.
func (s *SchemaSnapshot) Clone() *SchemaSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Fields = append([]Field(nil), s.Fields...)
	return &out
}

// FieldChange describes a field present in both snapshots with a different shape.
type FieldChange struct {
	Name string `json:"name"`
	From Field  `json:"from"`
	To   Field  `json:"to"`
}

// SchemaDiff is the structural difference between an observed and an accepted snapshot.
type SchemaDiff struct {
	Added           []Field       `json:"added,omitempty"`
	Removed         []Field       `json:"removed,omitempty"`
	TypeChanged     []FieldChange `json:"type_changed,omitempty"`
	NullableChanged []FieldChange `json:"nullable_changed,omitempty"`
}

// Empty reports whether the diff has no changes.
func (d SchemaDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 &&
		len(d.TypeChanged) == 0 && len(d.NullableChanged) == 0
}

// Quarantine reason codes produced outside of rule evaluation.
const (
	ReasonBreakingSchema = "schema_breaking"
)
