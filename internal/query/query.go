// Package query composes where clauses, filters, sort keys and distinct
// keys over one collection.
//
// A query runs its stages in a fixed order: the where clauses pick
// candidate ids from the primary keyspace or an index, filters test the
// decoded records, then the survivors are sorted, deduplicated and cut by
// offset and limit. Build errors such as unknown fields are reported by
// the terminal operation as QUERY/INVALID_QUERY.
package query

import (
	"context"
	"math"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/internal/observability"
	"github.com/cachedb/cachedb/pkg/types"
)

// DefaultEpsilon is the tolerance for double comparisons when none is
// configured.
const DefaultEpsilon = 1e-5

// Option configures a query.
type Option func(*Query)

// WithEpsilon sets the default tolerance for double comparisons.
func WithEpsilon(e float64) Option {
	return func(q *Query) { q.epsilon = e }
}

// WithStats records where clause and filter field usage in stats.
func WithStats(stats *observability.QueryStats) Option {
	return func(q *Query) { q.stats = stats }
}

// Query is a query under construction. Builder methods modify and return
// the receiver.
type Query struct {
	c       *collection.Collection
	epsilon float64
	stats   *observability.QueryStats

	where     []whereClause
	whereDesc bool
	filters   []Condition
	sorts     []sortKey
	distinct  []distinctKey
	offset    int
	limit     int
	err       error
}

// New starts a query over c.
func New(c *collection.Collection, opts ...Option) *Query {
	q := &Query{c: c, epsilon: DefaultEpsilon, limit: -1}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// WhereSort sets the traversal direction of the where clauses.
func (q *Query) WhereSort(dir Direction) *Query {
	q.whereDesc = dir == Desc
	return q
}

// Filter adds conditions every result must match.
func (q *Query) Filter(conds ...Condition) *Query {
	for _, c := range conds {
		if c == nil {
			q.fail(invalidQuery("nil filter condition"))
			continue
		}
		q.filters = append(q.filters, c)
	}
	return q
}

// Offset skips the first n results.
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		q.fail(invalidQuery("offset must not be negative, got %d", n))
	}
	q.offset = n
	return q
}

// Limit caps the number of results.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		q.fail(invalidQuery("limit must not be negative, got %d", n))
	}
	q.limit = n
	return q
}

func (q *Query) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

// plan is a query bound to its collection's schema.
type plan struct {
	filter   predicate
	sorter   *sorter
	deduper  *deduper
	buffered bool
}

func (q *Query) compile() (*plan, error) {
	if q.err != nil {
		return nil, q.err
	}
	b := &binder{schema: q.c.Schema(), epsilon: q.epsilon}
	p := &plan{}

	if len(q.filters) > 0 {
		var cond Condition = q.filters[0]
		if len(q.filters) > 1 {
			cond = And(q.filters...)
		}
		f, err := cond.compile(b)
		if err != nil {
			return nil, err
		}
		p.filter = f
	}

	var err error
	if p.sorter, err = newSorter(b, q.sorts); err != nil {
		return nil, err
	}
	if p.deduper, err = newDeduper(b, q.distinct); err != nil {
		return nil, err
	}
	p.buffered = p.sorter != nil || p.deduper != nil
	return p, nil
}

// candidates returns the ids selected by the where clauses, without
// duplicates and in clause order.
func (q *Query) candidates(v *collection.View) ([]int64, error) {
	clauses := q.where
	if len(clauses) == 0 {
		clauses = []whereClause{idRange{lower: 0, upper: math.MaxInt64}}
	}

	name := q.c.Name()
	for _, c := range clauses {
		if field, op := c.usage(v); field != "" {
			q.stats.RecordIndexed(name, field, string(op))
		}
	}
	for _, cond := range q.filters {
		cond.walk(func(field string, op Operator) {
			q.stats.RecordFilter(name, field, string(op))
		})
	}

	if len(clauses) == 1 {
		return clauses[0].ids(v, q.whereDesc)
	}
	var out []int64
	seen := make(map[int64]struct{})
	for _, c := range clauses {
		ids, err := c.ids(v, q.whereDesc)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// window applies offset and limit to n results.
func (q *Query) window(n int) (int, int) {
	start := q.offset
	if start > n {
		start = n
	}
	end := n
	if q.limit >= 0 && start+q.limit < end {
		end = start + q.limit
	}
	return start, end
}

// execute runs the query and returns the records inside the window. With
// atMost >= 0 at most atMost records are returned.
func (q *Query) execute(ctx context.Context, atMost int) ([]*types.Record, error) {
	p, err := q.compile()
	if err != nil {
		return nil, err
	}

	var out []*types.Record
	err = q.c.ReadView(ctx, func(v *collection.View) error {
		ids, err := q.candidates(v)
		if err != nil {
			return err
		}

		// Without sort or distinct the window can be cut while scanning.
		want := -1
		if !p.buffered {
			if q.limit >= 0 {
				want = q.offset + q.limit
			}
			if atMost >= 0 && (want < 0 || q.offset+atMost < want) {
				want = q.offset + atMost
			}
		}

		for i, id := range ids {
			if want >= 0 && len(out) >= want {
				break
			}
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			rec, found, err := v.Load(id)
			if err != nil {
				return err
			}
			if !found || (p.filter != nil && !p.filter(rec)) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.sorter.sort(out)
	out = p.deduper.apply(out)
	start, end := q.window(len(out))
	out = out[start:end]
	if atMost >= 0 && len(out) > atMost {
		out = out[:atMost]
	}
	return out, nil
}

// FindAll returns every matching record.
func (q *Query) FindAll(ctx context.Context) ([]*types.Record, error) {
	return q.execute(ctx, -1)
}

// FindFirst returns the first matching record, or nil.
func (q *Query) FindFirst(ctx context.Context) (*types.Record, error) {
	recs, err := q.execute(ctx, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Exists reports whether any record matches.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	rec, err := q.FindFirst(ctx)
	return rec != nil, err
}

// Count returns the number of matching records. Queries without filters
// or distinct keys are counted from the where clauses alone.
func (q *Query) Count(ctx context.Context) (int, error) {
	p, err := q.compile()
	if err != nil {
		return 0, err
	}
	if p.filter != nil || p.deduper != nil {
		recs, err := q.execute(ctx, -1)
		return len(recs), err
	}

	var n int
	err = q.c.ReadView(ctx, func(v *collection.View) error {
		ids, err := q.candidates(v)
		start, end := q.window(len(ids))
		n = end - start
		return err
	})
	return n, err
}

// Property returns one field of every matching record. Without filters,
// sort keys or distinct keys only that field is decoded.
func (q *Query) Property(ctx context.Context, field string) ([]types.Value, error) {
	p, err := q.compile()
	if err != nil {
		return nil, err
	}
	b := &binder{schema: q.c.Schema(), epsilon: q.epsilon}
	get, _, err := b.resolve(field)
	if err != nil {
		return nil, err
	}

	if p.filter != nil || p.buffered {
		recs, err := q.execute(ctx, -1)
		if err != nil {
			return nil, err
		}
		out := make([]types.Value, len(recs))
		for i, rec := range recs {
			out[i] = get(rec)
		}
		return out, nil
	}

	pos := q.c.Schema().FieldIndex(field)
	var out []types.Value
	err = q.c.ReadView(ctx, func(v *collection.View) error {
		ids, err := q.candidates(v)
		if err != nil {
			return err
		}
		start, end := q.window(len(ids))
		for _, id := range ids[start:end] {
			if pos < 0 {
				out = append(out, types.Long(id))
				continue
			}
			val, found, err := v.LoadProperty(id, pos)
			if err != nil {
				return err
			}
			if found {
				out = append(out, val)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAll deletes every matching record and returns how many were
// removed. Each record is deleted in its own transaction.
func (q *Query) DeleteAll(ctx context.Context) (int, error) {
	recs, err := q.execute(ctx, -1)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	outcomes := q.c.DeleteAll(ctx, ids)
	var n int
	for _, o := range outcomes {
		if o.Found {
			n++
		}
	}
	return n, collection.FirstError(outcomes)
}

// Iter runs the query and returns a cursor over the results.
func (q *Query) Iter(ctx context.Context) (*Results, error) {
	recs, err := q.execute(ctx, -1)
	if err != nil {
		return nil, err
	}
	return &Results{recs: recs}, nil
}

// Results is a finite cursor over query results. It cannot be rewound.
type Results struct {
	recs []*types.Record
	cur  *types.Record
}

// Next advances to the next record.
func (r *Results) Next() bool {
	if len(r.recs) == 0 {
		r.cur = nil
		return false
	}
	r.cur, r.recs = r.recs[0], r.recs[1:]
	return true
}

// Record returns the current record.
func (r *Results) Record() *types.Record { return r.cur }

// Remaining returns the number of records not yet visited.
func (r *Results) Remaining() int { return len(r.recs) }
