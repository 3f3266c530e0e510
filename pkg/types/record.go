package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	cerrors "github.com/cachedb/cachedb/internal/errors"
)

// Record is a mutable instance of a schema. ID 0 means the record has not
// been stored yet.
type Record struct {
	ID     int64
	schema *Schema
	values []Value
}

// Schema returns the schema the record is bound to.
func (r *Record) Schema() *Schema { return r.schema }

// Len returns the number of fields.
func (r *Record) Len() int { return len(r.values) }

// Value returns the value at field position i.
func (r *Record) Value(i int) Value { return r.values[i] }

// Get returns the named field. The implicit id field is returned as a long.
func (r *Record) Get(name string) (Value, error) {
	if name == IDField {
		return Long(r.ID), nil
	}
	p := r.schema.FieldIndex(name)
	if p < 0 {
		return Value{}, cerrors.NewValidationError(cerrors.CodeUnknownField,
			fmt.Sprintf("%s has no field %q", r.schema.Name, name))
	}
	return r.values[p], nil
}

// MustGet is Get for callers that know the field exists.
func (r *Record) MustGet(name string) Value {
	v, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return v
}

// Set assigns the named field after checking its type.
func (r *Record) Set(name string, v Value) error {
	p := r.schema.FieldIndex(name)
	if p < 0 {
		return cerrors.NewValidationError(cerrors.CodeUnknownField,
			fmt.Sprintf("%s has no field %q", r.schema.Name, name))
	}
	return r.SetValue(p, v)
}

// SetValue assigns field position i after checking its type. A long is
// widened when the field is a double.
func (r *Record) SetValue(i int, v Value) error {
	f := r.schema.Fields[i]
	checked, err := CheckValue(f, v)
	if err != nil {
		return err
	}
	r.values[i] = checked
	return nil
}

// CheckValue validates v against field f and returns the value to store.
func CheckValue(f FieldDef, v Value) (Value, error) {
	if v.IsNull() {
		if !f.Nullable {
			return Value{}, cerrors.NewValidationError(cerrors.CodeMissingRequiredField,
				fmt.Sprintf("field %q is not nullable", f.Name))
		}
		return v, nil
	}
	if v.Kind() == f.Type {
		return v, nil
	}
	if f.Type == KindDouble && v.Kind() == KindLong {
		d, _ := v.AsDouble()
		return Double(d), nil
	}
	return Value{}, cerrors.NewValidationError(cerrors.CodeTypeMismatch,
		fmt.Sprintf("field %q expects %s, got %s", f.Name, f.Type, v.Kind())).
		WithDetails(map[string]interface{}{"field": f.Name})
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := &Record{
		ID:     r.ID,
		schema: r.schema,
		values: make([]Value, len(r.values)),
	}
	copy(cp.values, r.values)
	return cp
}

// Map returns the record as field name to plain Go value, including id.
func (r *Record) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.values)+1)
	out[IDField] = r.ID
	for i, f := range r.schema.Fields {
		out[f.Name] = r.values[i].Interface()
	}
	return out
}

// Equal reports whether two records share schema, id and values.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.schema.Name != o.schema.Name || r.ID != o.ID || len(r.values) != len(o.values) {
		return false
	}
	for i := range r.values {
		if !r.values[i].Equal(o.values[i]) {
			return false
		}
	}
	return true
}

// Values returns a copy of the field values in schema order.
func (r *Record) Values() []Value {
	out := make([]Value, len(r.values))
	copy(out, r.values)
	return out
}

// MarshalJSON encodes the record as an object keyed by field name.
func (r *Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]Value, len(r.values)+1)
	obj[IDField] = Long(r.ID)
	for i, f := range r.schema.Fields {
		obj[f.Name] = r.values[i]
	}
	return json.Marshal(obj)
}

// RecordFromJSON decodes a JSON object into a new record of schema s.
// Fields missing from the object stay null. An "id" member sets the id.
func RecordFromJSON(s *Schema, data []byte) (*Record, error) {
	if s == nil {
		return nil, ErrSchemaRequired
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, ErrNotObject
	}
	return RecordFromMap(s, obj)
}

// RecordFromMap builds a record of schema s from decoded JSON members.
func RecordFromMap(s *Schema, obj map[string]interface{}) (*Record, error) {
	rec := s.NewRecord()
	for name, raw := range obj {
		if name == IDField {
			v, err := ValueFromJSON(KindLong, raw)
			if err != nil {
				return nil, cerrors.NewValidationError(cerrors.CodeInvalidID, err.Error())
			}
			id, _ := v.AsLong()
			if id < 0 {
				return nil, cerrors.NewValidationError(cerrors.CodeInvalidID,
					fmt.Sprintf("id must not be negative, got %d", id))
			}
			rec.ID = id
			continue
		}
		f, ok := s.FieldByName(name)
		if !ok {
			return nil, cerrors.NewValidationError(cerrors.CodeUnknownField,
				fmt.Sprintf("%s has no field %q", s.Name, name))
		}
		v, err := ValueFromJSON(f.Type, raw)
		if err != nil {
			return nil, cerrors.NewValidationError(cerrors.CodeTypeMismatch,
				fmt.Sprintf("field %q: %v", name, err))
		}
		if err := rec.Set(name, v); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
