package types

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"

	cerrors "github.com/cachedb/cachedb/internal/errors"
)

// IDField is the implicit identifier field present on every schema.
const IDField = "id"

// IndexKind selects how an index stores its entries.
type IndexKind string

const (
	// IndexOrdered supports equality and range scans.
	IndexOrdered IndexKind = "ordered"

	// IndexHash supports equality and full traversal only.
	IndexHash IndexKind = "hash"
)

// Schema describes one record type.
type Schema struct {
	// Name identifies the collection
	Name string `json:"name" yaml:"name"`

	// Version is bumped by the application whenever the layout changes
	Version int `json:"version" yaml:"version"`

	// Fields lists the record fields in serialization order
	Fields []FieldDef `json:"fields" yaml:"fields"`

	// Indexes lists the secondary indexes maintained for the collection
	Indexes []IndexDef `json:"indexes,omitempty" yaml:"indexes,omitempty"`

	fieldPos map[string]int
}

// FieldDef defines a single field.
type FieldDef struct {
	// Name is the field name
	Name string `json:"name" yaml:"name"`

	// Type is the semantic type of the field
	Type Kind `json:"type" yaml:"type"`

	// Nullable indicates whether the field may hold null
	Nullable bool `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// IndexDef defines a secondary index.
type IndexDef struct {
	// Name addresses the index in lookups and queries
	Name string `json:"name" yaml:"name"`

	// Fields lists the indexed fields; more than one makes a composite key
	Fields []string `json:"fields" yaml:"fields"`

	// Unique indicates whether the index enforces one record per key
	Unique bool `json:"unique,omitempty" yaml:"unique,omitempty"`

	// Kind is ordered (default) or hash
	Kind IndexKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// CaseInsensitive lower-cases string components before they are keyed
	CaseInsensitive bool `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
}

// CaseSensitive reports whether string components are keyed verbatim.
func (d IndexDef) CaseSensitive() bool { return !d.CaseInsensitive }

// EffectiveKind returns the index kind with the default applied.
func (d IndexDef) EffectiveKind() IndexKind {
	if d.Kind == "" {
		return IndexOrdered
	}
	return d.Kind
}

// VersionTag returns the versioning tag stored alongside persisted data.
func (s *Schema) VersionTag() string {
	return fmt.Sprintf("%s@v%d", s.Name, s.Version)
}

// Validate checks the schema for structural problems and prepares its
// field lookup table. It must be called before the schema is used.
func (s *Schema) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return cerrors.NewValidationError(cerrors.CodeInvalidSchema,
			fmt.Sprintf("schema %q: ", s.Name)+fmt.Sprintf(format, args...))
	}

	if s.Name == "" {
		return cerrors.NewValidationError(cerrors.CodeInvalidSchema, "schema name is required")
	}
	if s.Version < 1 {
		return invalid("version must be >= 1, got %d", s.Version)
	}
	if len(s.Fields) == 0 {
		return invalid("at least one field is required")
	}

	pos := make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return invalid("field %d has no name", i)
		}
		if f.Name == IDField {
			return invalid("field name %q is reserved", IDField)
		}
		if _, dup := pos[f.Name]; dup {
			return invalid("duplicate field %q", f.Name)
		}
		if f.Type == KindNull || f.Type > KindDateTime {
			return invalid("field %q has no valid type", f.Name)
		}
		pos[f.Name] = i
	}

	seen := make(map[string]bool, len(s.Indexes))
	for _, idx := range s.Indexes {
		if idx.Name == "" {
			return invalid("index with no name")
		}
		if seen[idx.Name] {
			return invalid("duplicate index %q", idx.Name)
		}
		seen[idx.Name] = true

		switch idx.EffectiveKind() {
		case IndexOrdered, IndexHash:
		default:
			return invalid("index %q has unknown kind %q", idx.Name, idx.Kind)
		}
		if len(idx.Fields) == 0 {
			return invalid("index %q has no fields", idx.Name)
		}

		hasString := false
		for _, name := range idx.Fields {
			p, ok := pos[name]
			if !ok {
				return invalid("index %q references unknown field %q", idx.Name, name)
			}
			if s.Fields[p].Type == KindString {
				hasString = true
			}
		}
		if idx.CaseInsensitive && !hasString {
			return invalid("index %q is case-insensitive but has no string field", idx.Name)
		}
	}

	s.fieldPos = pos
	return nil
}

func (s *Schema) positions() map[string]int {
	if s.fieldPos != nil {
		return s.fieldPos
	}
	pos := make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		pos[f.Name] = i
	}
	return pos
}

// FieldIndex returns the position of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	if p, ok := s.positions()[name]; ok {
		return p
	}
	return -1
}

// Field returns the field at position i.
func (s *Schema) Field(i int) FieldDef {
	return s.Fields[i]
}

// FieldByName returns the named field definition.
func (s *Schema) FieldByName(name string) (FieldDef, bool) {
	p := s.FieldIndex(name)
	if p < 0 {
		return FieldDef{}, false
	}
	return s.Fields[p], true
}

// IndexDef returns the named index definition.
func (s *Schema) IndexDef(name string) (IndexDef, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDef{}, false
}

// Fingerprint returns a stable hash of the field and index layout.
func (s *Schema) Fingerprint() uint64 {
	var b strings.Builder
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "f:%s:%s:%t;", f.Name, f.Type, f.Nullable)
	}
	b.WriteString(s.IndexFingerprint())
	return murmur3.Sum64([]byte(b.String()))
}

// IndexFingerprint renders the index set so two schemas can be compared
// for index changes.
func (s *Schema) IndexFingerprint() string {
	var b strings.Builder
	for _, idx := range s.Indexes {
		fmt.Fprintf(&b, "i:%s:%s:%t:%s:%t;", idx.Name, strings.Join(idx.Fields, ","),
			idx.Unique, idx.EffectiveKind(), idx.CaseInsensitive)
	}
	return b.String()
}

// NewRecord returns an empty record bound to the schema. Nullable fields
// start null; required fields start unset and must be assigned before the
// record can be stored.
func (s *Schema) NewRecord() *Record {
	return &Record{
		schema: s,
		values: make([]Value, len(s.Fields)),
	}
}
