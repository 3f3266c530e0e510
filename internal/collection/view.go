package collection

import (
	"context"
	"math"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/internal/keys"
	"github.com/cachedb/cachedb/internal/kv"
	"github.com/cachedb/cachedb/pkg/types"
)

// View is a consistent read-only snapshot of a collection, valid only
// inside the ReadView callback that produced it.
type View struct {
	c *Collection
	r kv.Reader
}

// ReadView runs fn against a snapshot taken under the collection read lock.
func (c *Collection) ReadView(ctx context.Context, fn func(*View) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	err := c.engine.View(ctx, func(r kv.Reader) error {
		return fn(&View{c: c, r: r})
	})
	return cerrors.EngineFailure("read "+c.name, err)
}

// Collection returns the collection the view reads.
func (v *View) Collection() *Collection { return v.c }

// Indexes returns the collection's index manager.
func (v *View) Indexes() *index.Manager { return v.c.indexes }

// IDs returns the stored ids in [lower, upper], ascending or descending.
func (v *View) IDs(lower, upper int64, desc bool) ([]int64, error) {
	if lower < 0 {
		lower = 0
	}
	if upper < lower {
		return nil, nil
	}
	lo := keys.Primary(v.c.name, lower)
	hi := kv.PrefixEnd(keys.PrimaryPrefix(v.c.name))
	if upper != math.MaxInt64 {
		hi = keys.Primary(v.c.name, upper+1)
	}

	var out []int64
	err := v.r.Scan(lo, hi, desc, func(k, _ []byte) error {
		id, err := keys.TrailingID(k)
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

// AllIDs returns every stored id.
func (v *View) AllIDs(desc bool) ([]int64, error) {
	return v.IDs(0, math.MaxInt64, desc)
}

// ScanRaw calls fn with the id and encoded bytes of every record in
// ascending id order. data must not be retained after fn returns.
func (v *View) ScanRaw(fn func(id int64, data []byte) error) error {
	return kv.ScanPrefix(v.r, keys.PrimaryPrefix(v.c.name), false, func(k, data []byte) error {
		id, err := keys.TrailingID(k)
		if err != nil {
			return err
		}
		return fn(id, data)
	})
}

// Load decodes the record stored under id.
func (v *View) Load(id int64) (*types.Record, bool, error) {
	return v.c.load(v.r, id)
}

// LoadProperty decodes one field of the record stored under id.
func (v *View) LoadProperty(id int64, fieldID int) (types.Value, bool, error) {
	data, found, err := v.r.Get(keys.Primary(v.c.name, id))
	if err != nil || !found {
		return types.Null(), false, err
	}
	val, err := v.c.codec.DeserializeProperty(data, fieldID)
	if err != nil {
		return types.Null(), false, err
	}
	return val, true, nil
}

// Lookup resolves an index key to ids.
func (v *View) Lookup(indexName string, key []types.Value) ([]int64, error) {
	return v.c.indexes.Lookup(v.r, indexName, key)
}

// RangeScan returns the ids of an index range.
func (v *View) RangeScan(indexName string, rng index.Range) ([]int64, error) {
	return v.c.indexes.RangeScan(v.r, indexName, rng)
}

// Any returns the ids of every entry of an index in index order.
func (v *View) Any(indexName string, desc bool) ([]int64, error) {
	return v.c.indexes.Any(v.r, indexName, desc)
}
