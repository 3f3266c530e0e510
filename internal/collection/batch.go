package collection

import (
	"context"

	"github.com/cachedb/cachedb/pkg/types"
)

// Outcome is the result of one element of a batch operation.
type Outcome struct {
	ID     int64
	Record *types.Record
	Found  bool
	Err    error
}

// FirstError returns the first failed element's error, if any.
func FirstError(outcomes []Outcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// Batch operations run every element in its own transaction. They are not
// atomic as a whole: a failed element leaves earlier elements applied and
// does not stop later ones. Each element reports its own Outcome, in input
// order. A cancelled ctx fails the remaining elements.

// PutAll stores every record as Put does.
func (c *Collection) PutAll(ctx context.Context, recs []*types.Record) []Outcome {
	out := make([]Outcome, len(recs))
	for i, rec := range recs {
		id, err := c.Put(ctx, rec)
		out[i] = Outcome{ID: id, Record: rec, Found: err == nil, Err: err}
	}
	return out
}

// PutAllByIndex upserts every record as PutByIndex does.
func (c *Collection) PutAllByIndex(ctx context.Context, indexName string, recs []*types.Record) []Outcome {
	out := make([]Outcome, len(recs))
	for i, rec := range recs {
		id, err := c.PutByIndex(ctx, indexName, rec)
		out[i] = Outcome{ID: id, Record: rec, Found: err == nil, Err: err}
	}
	return out
}

// GetAll loads every id. Absent ids report Found false.
func (c *Collection) GetAll(ctx context.Context, ids []int64) []Outcome {
	out := make([]Outcome, len(ids))
	for i, id := range ids {
		rec, err := c.Get(ctx, id)
		out[i] = Outcome{ID: id, Record: rec, Found: rec != nil, Err: err}
	}
	return out
}

// DeleteAll deletes every id. Found reports whether a record was removed.
func (c *Collection) DeleteAll(ctx context.Context, ids []int64) []Outcome {
	out := make([]Outcome, len(ids))
	for i, id := range ids {
		deleted, err := c.Delete(ctx, id)
		out[i] = Outcome{ID: id, Found: deleted, Err: err}
	}
	return out
}

// GetAllByIndex loads the record of every unique index key.
func (c *Collection) GetAllByIndex(ctx context.Context, indexName string, keys [][]types.Value) []Outcome {
	out := make([]Outcome, len(keys))
	for i, key := range keys {
		rec, err := c.GetByIndex(ctx, indexName, key...)
		o := Outcome{Record: rec, Found: rec != nil, Err: err}
		if rec != nil {
			o.ID = rec.ID
		}
		out[i] = o
	}
	return out
}

// DeleteAllByIndex deletes the record of every unique index key.
func (c *Collection) DeleteAllByIndex(ctx context.Context, indexName string, keys [][]types.Value) []Outcome {
	out := make([]Outcome, len(keys))
	for i, key := range keys {
		id, deleted, err := c.DeleteByIndex(ctx, indexName, key...)
		out[i] = Outcome{ID: id, Found: deleted, Err: err}
	}
	return out
}
