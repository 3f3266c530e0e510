package query

import (
	"math"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/pkg/types"
)

// whereClause selects candidate ids from the primary keyspace or one
// index, in that source's natural order.
type whereClause interface {
	ids(v *collection.View, desc bool) ([]int64, error)
	// usage names the field and operator for query statistics; an empty
	// field means the clause is not recorded.
	usage(v *collection.View) (string, Operator)
}

type idRange struct {
	lower, upper int64
}

func (c idRange) ids(v *collection.View, desc bool) ([]int64, error) {
	return v.IDs(c.lower, c.upper, desc)
}

func (c idRange) usage(*collection.View) (string, Operator) { return "", OpAny }

// AnyID selects every record in id order.
func (q *Query) AnyID() *Query {
	q.where = append(q.where, idRange{lower: 0, upper: math.MaxInt64})
	return q
}

// IDEqualTo selects the record with id.
func (q *Query) IDEqualTo(id int64) *Query {
	q.where = append(q.where, idRange{lower: id, upper: id})
	return q
}

// IDBetween selects ids in [lower, upper].
func (q *Query) IDBetween(lower, upper int64) *Query {
	q.where = append(q.where, idRange{lower: lower, upper: upper})
	return q
}

// IDGreaterThan selects ids above id, or from id when include is set.
func (q *Query) IDGreaterThan(id int64, include bool) *Query {
	if !include {
		if id == math.MaxInt64 {
			q.where = append(q.where, idRange{lower: 1, upper: 0})
			return q
		}
		id++
	}
	q.where = append(q.where, idRange{lower: id, upper: math.MaxInt64})
	return q
}

// IDLessThan selects ids below id, or up to id when include is set.
func (q *Query) IDLessThan(id int64, include bool) *Query {
	if !include {
		id--
	}
	q.where = append(q.where, idRange{lower: 0, upper: id})
	return q
}

type indexClause struct {
	name         string
	op           Operator
	lower, upper []types.Value
	includeLower bool
	includeUpper bool
}

func (c *indexClause) usage(v *collection.View) (string, Operator) {
	ix, err := v.Indexes().Get(c.name)
	if err != nil || len(ix.Fields()) == 0 {
		return "", c.op
	}
	return ix.Fields()[0].Name, c.op
}

func (c *indexClause) ids(v *collection.View, desc bool) ([]int64, error) {
	ix, err := v.Indexes().Get(c.name)
	if err != nil {
		return nil, err
	}
	hash := ix.Def.EffectiveKind() == types.IndexHash

	var rng index.Range
	switch c.op {
	case OpAny:
		return v.Any(c.name, desc)
	case OpEqualTo:
		if hash {
			return lookupOrdered(v, c.name, c.lower, desc)
		}
		rng = index.Range{Lower: c.lower, Upper: c.lower, IncludeLower: true, IncludeUpper: true}
	case OpIsNull:
		if hash {
			return lookupOrdered(v, c.name, []types.Value{types.Null()}, desc)
		}
		rng = index.IsNull()
	case OpIsNotNull:
		rng = index.IsNotNull()
	default:
		rng = index.Range{Lower: c.lower, Upper: c.upper, IncludeLower: c.includeLower, IncludeUpper: c.includeUpper}
	}
	rng.Desc = desc
	return v.RangeScan(c.name, rng)
}

func lookupOrdered(v *collection.View, name string, key []types.Value, desc bool) ([]int64, error) {
	ids, err := v.Lookup(name, key)
	if err != nil || !desc {
		return ids, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// IndexWhere builds a where clause on one index.
type IndexWhere struct {
	q    *Query
	name string
}

// Index starts a where clause on the named index.
func (q *Query) Index(name string) IndexWhere { return IndexWhere{q: q, name: name} }

func (w IndexWhere) add(c *indexClause) *Query {
	c.name = w.name
	w.q.where = append(w.q.where, c)
	return w.q
}

// EqualTo selects entries whose key equals values. On an ordered index
// fewer values than the index has fields match as a prefix.
func (w IndexWhere) EqualTo(values ...types.Value) *Query {
	return w.add(&indexClause{op: OpEqualTo, lower: values})
}

// Between selects entries whose first field lies between lower and upper.
func (w IndexWhere) Between(lower, upper types.Value, includeLower, includeUpper bool) *Query {
	return w.BetweenKeys([]types.Value{lower}, []types.Value{upper}, includeLower, includeUpper)
}

// BetweenKeys selects entries between two key prefixes.
func (w IndexWhere) BetweenKeys(lower, upper []types.Value, includeLower, includeUpper bool) *Query {
	return w.add(&indexClause{op: OpBetween, lower: lower, upper: upper,
		includeLower: includeLower, includeUpper: includeUpper})
}

// GreaterThan selects entries above v, or from v when include is set.
func (w IndexWhere) GreaterThan(v types.Value, include bool) *Query {
	return w.add(&indexClause{op: OpGreater, lower: []types.Value{v}, includeLower: include})
}

// LessThan selects entries below v, or up to v when include is set.
// Null keys are below every value.
func (w IndexWhere) LessThan(v types.Value, include bool) *Query {
	return w.add(&indexClause{op: OpLess, upper: []types.Value{v}, includeUpper: include})
}

// IsNull selects entries whose first field is null.
func (w IndexWhere) IsNull() *Query { return w.add(&indexClause{op: OpIsNull}) }

// IsNotNull selects entries whose first field is not null.
func (w IndexWhere) IsNotNull() *Query { return w.add(&indexClause{op: OpIsNotNull}) }

// Any selects every entry of the index in index order.
func (w IndexWhere) Any() *Query { return w.add(&indexClause{op: OpAny}) }
