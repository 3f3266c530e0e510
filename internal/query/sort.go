package query

import (
	"sort"

	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/pkg/types"
)

// Direction orders a sort key or the where traversal.
type Direction int

const (
	Asc Direction = iota
	Desc
)

type sortKey struct {
	field string
	dir   Direction
}

// SortBy replaces any sort keys with field.
func (q *Query) SortBy(field string, dir Direction) *Query {
	q.sorts = append(q.sorts[:0], sortKey{field: field, dir: dir})
	return q
}

// ThenBy adds a key that breaks ties of the previous ones.
func (q *Query) ThenBy(field string, dir Direction) *Query {
	q.sorts = append(q.sorts, sortKey{field: field, dir: dir})
	return q
}

// sorter orders records by several keys. Nulls come first ascending.
type sorter struct {
	keys []sortKey
	gets []func(*types.Record) types.Value
}

func newSorter(b *binder, keys []sortKey) (*sorter, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	s := &sorter{keys: keys, gets: make([]func(*types.Record) types.Value, len(keys))}
	for i, k := range keys {
		get, _, err := b.resolve(k.field)
		if err != nil {
			return nil, err
		}
		s.gets[i] = get
	}
	return s, nil
}

// sort orders recs in place. Equal records keep their where order.
func (s *sorter) sort(recs []*types.Record) {
	if s == nil || len(recs) <= 1 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for k, key := range s.keys {
			c := types.Compare(s.gets[k](recs[i]), s.gets[k](recs[j]))
			if c == 0 {
				continue
			}
			if key.dir == Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

type distinctKey struct {
	field           string
	caseInsensitive bool
}

// DistinctBy keeps the first record of every distinct value of field,
// after sorting. Several calls combine into a key tuple.
func (q *Query) DistinctBy(field string, opts ...CompareOption) *Query {
	o := collectOpts(opts)
	q.distinct = append(q.distinct, distinctKey{field: field, caseInsensitive: o.caseInsensitive})
	return q
}

type deduper struct {
	keys []distinctKey
	gets []func(*types.Record) types.Value
}

func newDeduper(b *binder, keys []distinctKey) (*deduper, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	d := &deduper{keys: keys, gets: make([]func(*types.Record) types.Value, len(keys))}
	for i, k := range keys {
		get, _, err := b.resolve(k.field)
		if err != nil {
			return nil, err
		}
		d.gets[i] = get
	}
	return d, nil
}

// apply drops records whose key tuple was already seen. Tuples are keyed
// by their order-preserving index encoding, which is self-delimiting per
// component.
func (d *deduper) apply(recs []*types.Record) []*types.Record {
	if d == nil {
		return recs
	}
	seen := make(map[string]struct{}, len(recs))
	out := recs[:0]
	var buf []byte
	for _, rec := range recs {
		buf = buf[:0]
		for i, k := range d.keys {
			buf = append(buf, index.EncodeKey([]types.Value{d.gets[i](rec)}, k.caseInsensitive)...)
		}
		if _, dup := seen[string(buf)]; dup {
			continue
		}
		seen[string(buf)] = struct{}{}
		out = append(out, rec)
	}
	return out
}
