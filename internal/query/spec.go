package query

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/pkg/types"
)

// Spec is a JSON description of a query.
//
//	{"where": [{"index": "isActive", "op": "eq", "values": [true]}],
//	 "filter": {"or": [{"field": "fare", "op": "gt", "value": 10},
//	                   {"field": "currency", "op": "is_null"}]},
//	 "sort": [{"field": "createdAt", "desc": true}],
//	 "limit": 20}
type Spec struct {
	Where     []WhereSpec    `json:"where,omitempty"`
	WhereDesc bool           `json:"where_desc,omitempty"`
	Filter    *FilterSpec    `json:"filter,omitempty"`
	Sort      []SortSpec     `json:"sort,omitempty"`
	Distinct  []DistinctSpec `json:"distinct,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	Limit     *int           `json:"limit,omitempty"`
	Property  string         `json:"property,omitempty"`
}

// WhereSpec is one where clause. Without an index it selects by id.
type WhereSpec struct {
	Index        string `json:"index,omitempty"`
	Op           string `json:"op"`
	Values       []any  `json:"values,omitempty"`
	Lower        any    `json:"lower,omitempty"`
	Upper        any    `json:"upper,omitempty"`
	IncludeLower bool   `json:"include_lower,omitempty"`
	IncludeUpper bool   `json:"include_upper,omitempty"`
}

// FilterSpec is a filter condition: a group when And, Or or Not is set,
// otherwise a predicate on Field.
type FilterSpec struct {
	And []FilterSpec `json:"and,omitempty"`
	Or  []FilterSpec `json:"or,omitempty"`
	Not *FilterSpec  `json:"not,omitempty"`

	Field           string   `json:"field,omitempty"`
	Op              string   `json:"op,omitempty"`
	Value           any      `json:"value,omitempty"`
	Lower           any      `json:"lower,omitempty"`
	Upper           any      `json:"upper,omitempty"`
	IncludeLower    bool     `json:"include_lower,omitempty"`
	IncludeUpper    bool     `json:"include_upper,omitempty"`
	Include         bool     `json:"include,omitempty"`
	Text            string   `json:"text,omitempty"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty"`
	Epsilon         *float64 `json:"epsilon,omitempty"`
}

// SortSpec is one sort key.
type SortSpec struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// DistinctSpec is one distinct key.
type DistinctSpec struct {
	Field           string `json:"field"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
}

// ParseSpec decodes a JSON query description.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, invalidQuery("bad query: %v", err)
	}
	return &s, nil
}

// Build compiles the spec into a query over c.
func (s *Spec) Build(c *collection.Collection, opts ...Option) (*Query, error) {
	q := New(c, opts...)
	schema := c.Schema()

	for _, w := range s.Where {
		if err := addWhere(q, schema, w); err != nil {
			return nil, err
		}
	}
	if s.WhereDesc {
		q.WhereSort(Desc)
	}
	if s.Filter != nil {
		cond, err := s.Filter.condition(schema)
		if err != nil {
			return nil, err
		}
		q.Filter(cond)
	}
	for _, k := range s.Sort {
		dir := Asc
		if k.Desc {
			dir = Desc
		}
		q.ThenBy(k.Field, dir)
	}
	for _, d := range s.Distinct {
		var o []CompareOption
		if d.CaseInsensitive {
			o = append(o, CaseInsensitive())
		}
		q.DistinctBy(d.Field, o...)
	}
	if s.Offset != 0 {
		q.Offset(s.Offset)
	}
	if s.Limit != nil {
		q.Limit(*s.Limit)
	}
	return q, q.err
}

func fieldKind(schema *types.Schema, name string) (types.Kind, error) {
	if name == types.IDField {
		return types.KindLong, nil
	}
	f, ok := schema.FieldByName(name)
	if !ok {
		return 0, invalidQuery("%s has no field %q", schema.Name, name)
	}
	return f.Type, nil
}

func convert(kind types.Kind, raw any, what string) (types.Value, error) {
	v, err := types.ValueFromJSON(kind, raw)
	if err != nil {
		return types.Value{}, invalidQuery("%s: %v", what, err)
	}
	return v, nil
}

func idBound(raw any, what string) (int64, error) {
	if raw == nil {
		return 0, invalidQuery("%s: id bound required", what)
	}
	v, err := convert(types.KindLong, raw, what)
	if err != nil {
		return 0, err
	}
	id, _ := v.AsLong()
	return id, nil
}

func addWhere(q *Query, schema *types.Schema, w WhereSpec) error {
	op := Operator(w.Op)
	if w.Index == "" {
		return addIDWhere(q, w, op)
	}

	def, ok := schema.IndexDef(w.Index)
	if !ok {
		return invalidQuery("%s has no index %q", schema.Name, w.Index)
	}
	kinds := make([]types.Kind, len(def.Fields))
	for i, name := range def.Fields {
		k, err := fieldKind(schema, name)
		if err != nil {
			return err
		}
		kinds[i] = k
	}
	first := func(raw any) (types.Value, error) {
		return convert(kinds[0], raw, "where "+w.Index)
	}

	iw := q.Index(w.Index)
	switch op {
	case OpAny:
		iw.Any()
	case OpIsNull:
		iw.IsNull()
	case OpIsNotNull:
		iw.IsNotNull()
	case OpEqualTo:
		if len(w.Values) > len(kinds) {
			return invalidQuery("index %q has %d fields, got %d values", w.Index, len(kinds), len(w.Values))
		}
		vals := make([]types.Value, len(w.Values))
		for i, raw := range w.Values {
			v, err := convert(kinds[i], raw, "where "+w.Index)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		iw.EqualTo(vals...)
	case OpGreater:
		v, err := first(w.Lower)
		if err != nil {
			return err
		}
		iw.GreaterThan(v, w.IncludeLower)
	case OpLess:
		v, err := first(w.Upper)
		if err != nil {
			return err
		}
		iw.LessThan(v, w.IncludeUpper)
	case OpBetween:
		lo, err := first(w.Lower)
		if err != nil {
			return err
		}
		hi, err := first(w.Upper)
		if err != nil {
			return err
		}
		iw.Between(lo, hi, w.IncludeLower, w.IncludeUpper)
	default:
		return invalidQuery("unknown where operator %q", w.Op)
	}
	return nil
}

func addIDWhere(q *Query, w WhereSpec, op Operator) error {
	switch op {
	case OpAny:
		q.AnyID()
	case OpEqualTo:
		if len(w.Values) != 1 {
			return invalidQuery("id eq takes one value, got %d", len(w.Values))
		}
		id, err := idBound(w.Values[0], "where id")
		if err != nil {
			return err
		}
		q.IDEqualTo(id)
	case OpGreater:
		id, err := idBound(w.Lower, "where id")
		if err != nil {
			return err
		}
		q.IDGreaterThan(id, w.IncludeLower)
	case OpLess:
		id, err := idBound(w.Upper, "where id")
		if err != nil {
			return err
		}
		q.IDLessThan(id, w.IncludeUpper)
	case OpBetween:
		lo, hi := int64(0), int64(math.MaxInt64)
		var err error
		if w.Lower != nil {
			if lo, err = idBound(w.Lower, "where id"); err != nil {
				return err
			}
		}
		if w.Upper != nil {
			if hi, err = idBound(w.Upper, "where id"); err != nil {
				return err
			}
		}
		q.IDBetween(lo, hi)
	default:
		return invalidQuery("unknown id where operator %q", w.Op)
	}
	return nil
}

func (f *FilterSpec) condition(schema *types.Schema) (Condition, error) {
	switch {
	case f.And != nil:
		return f.group(schema, f.And, And)
	case f.Or != nil:
		return f.group(schema, f.Or, Or)
	case f.Not != nil:
		inner, err := f.Not.condition(schema)
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}

	if f.Field == "" {
		return nil, invalidQuery("filter needs a field or a group")
	}
	kind, err := fieldKind(schema, f.Field)
	if err != nil {
		return nil, err
	}
	what := fmt.Sprintf("filter %s %s", f.Field, f.Op)
	value := func(raw any) (types.Value, error) { return convert(kind, raw, what) }

	var opts []CompareOption
	if f.CaseInsensitive {
		opts = append(opts, CaseInsensitive())
	}
	if f.Epsilon != nil {
		opts = append(opts, Epsilon(*f.Epsilon))
	}

	ref := Field(f.Field)
	switch Operator(f.Op) {
	case OpIsNull:
		return ref.IsNull(), nil
	case OpIsNotNull:
		return ref.IsNotNull(), nil
	case OpIsEmpty:
		return ref.IsEmpty(), nil
	case OpIsNotEmpty:
		return ref.IsNotEmpty(), nil
	case OpEqualTo:
		v, err := value(f.Value)
		if err != nil {
			return nil, err
		}
		return ref.EqualTo(v, opts...), nil
	case OpGreater:
		v, err := value(f.Value)
		if err != nil {
			return nil, err
		}
		return ref.GreaterThan(v, f.Include, opts...), nil
	case OpLess:
		v, err := value(f.Value)
		if err != nil {
			return nil, err
		}
		return ref.LessThan(v, f.Include, opts...), nil
	case OpBetween:
		lo, err := value(f.Lower)
		if err != nil {
			return nil, err
		}
		hi, err := value(f.Upper)
		if err != nil {
			return nil, err
		}
		return ref.Between(lo, hi, f.IncludeLower, f.IncludeUpper, opts...), nil
	case OpStartsWith:
		return ref.StartsWith(f.Text, opts...), nil
	case OpEndsWith:
		return ref.EndsWith(f.Text, opts...), nil
	case OpContains:
		return ref.Contains(f.Text, opts...), nil
	case OpMatches:
		return ref.Matches(f.Text, opts...), nil
	default:
		return nil, invalidQuery("unknown filter operator %q", f.Op)
	}
}

func (f *FilterSpec) group(schema *types.Schema, specs []FilterSpec, combine func(...Condition) Condition) (Condition, error) {
	conds := make([]Condition, len(specs))
	for i := range specs {
		c, err := specs[i].condition(schema)
		if err != nil {
			return nil, err
		}
		conds[i] = c
	}
	return combine(conds...), nil
}
