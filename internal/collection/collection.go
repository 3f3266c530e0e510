// Package collection implements the primary keyed store of one record type.
//
// A collection keeps id -> codec bytes entries in the engine keyspace and
// maintains the schema's secondary indexes in the same engine transaction,
// so every single-record mutation is atomic. Writers hold the collection
// lock exclusively for the duration of one mutation; readers share it and
// see either the state before or after a mutation.
package collection

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/codec"
	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/internal/keys"
	"github.com/cachedb/cachedb/internal/kv"
	"github.com/cachedb/cachedb/internal/watch"
	"github.com/cachedb/cachedb/internal/worker"
	"github.com/cachedb/cachedb/pkg/types"
)

// Options carries the collaborators a collection shares with its database.
type Options struct {
	Logger   zerolog.Logger
	Pool     *worker.Pool
	Notifier *watch.Notifier
}

// Collection is the persisted set of records of one schema.
type Collection struct {
	name     string
	schema   *types.Schema
	codec    *codec.Codec
	indexes  *index.Manager
	engine   kv.Engine
	pool     *worker.Pool
	notifier *watch.Notifier
	logger   zerolog.Logger

	mu     sync.RWMutex
	lastID int64
}

// Open prepares the collection for schema and initialises its id counter
// from the highest persisted id.
func Open(ctx context.Context, engine kv.Engine, schema *types.Schema, opts Options) (*Collection, error) {
	if schema == nil {
		return nil, types.ErrSchemaRequired
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	c := &Collection{
		name:     schema.Name,
		schema:   schema,
		codec:    codec.New(schema),
		indexes:  index.NewManager(schema),
		engine:   engine,
		pool:     opts.Pool,
		notifier: opts.Notifier,
		logger:   opts.Logger.With().Str("component", "collection").Str("collection", schema.Name).Logger(),
	}
	if c.pool == nil {
		c.pool = worker.NewPool(1, opts.Logger)
	}
	if c.notifier == nil {
		c.notifier = watch.NewNotifier(0)
	}

	err := engine.View(ctx, func(r kv.Reader) error {
		return kv.ScanPrefix(r, keys.PrimaryPrefix(c.name), true, func(k, _ []byte) error {
			id, err := keys.TrailingID(k)
			if err != nil {
				return err
			}
			c.lastID = id
			return kv.ErrStopScan
		})
	})
	if err != nil {
		return nil, cerrors.EngineFailure(fmt.Sprintf("open collection %s", c.name), err)
	}

	c.logger.Debug().Int64("last_id", c.lastID).Msg("collection opened")
	return c, nil
}

// Name returns the collection name, which is its schema name.
func (c *Collection) Name() string { return c.name }

// Schema returns the collection schema.
func (c *Collection) Schema() *types.Schema { return c.schema }

// Codec returns the record codec.
func (c *Collection) Codec() *codec.Codec { return c.codec }

// Indexes returns the index manager.
func (c *Collection) Indexes() *index.Manager { return c.indexes }

// LastID returns the highest id assigned so far.
func (c *Collection) LastID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastID
}

// Put stores rec and returns its id. An unset id is assigned from the
// collection counter; a set id replaces the record stored under it. The
// record is validated before anything is written, and a unique violation
// leaves the collection unchanged. On success rec.ID holds the id.
func (c *Collection) Put(ctx context.Context, rec *types.Record) (int64, error) {
	if err := c.codec.Validate(rec); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := rec.ID
	if id == 0 {
		var err error
		if id, err = c.nextID(); err != nil {
			return 0, err
		}
	}
	stored := rec.Clone()
	stored.ID = id

	var replaced bool
	err := c.engine.Update(ctx, func(txn kv.Txn) error {
		var err error
		replaced, err = c.write(txn, stored)
		return err
	})
	if err != nil {
		return 0, cerrors.EngineFailure("put "+c.name, err)
	}

	c.committed(id)
	rec.ID = id
	c.logger.Debug().Int64("id", id).Bool("replaced", replaced).Msg("put")
	c.notifier.Publish(watch.Change{Collection: c.name, Op: watch.OpPut, IDs: []int64{id}})
	return id, nil
}

// write replaces whatever is stored under rec.ID with rec and moves its
// index entries. It reports whether a previous record existed.
func (c *Collection) write(txn kv.Txn, rec *types.Record) (bool, error) {
	key := keys.Primary(c.name, rec.ID)
	prev, found, err := c.load(txn, rec.ID)
	if err != nil {
		return false, err
	}
	if found {
		if err := c.indexes.RemoveRecord(txn, prev); err != nil {
			return false, err
		}
	}

	w := codec.NewWriter(c.codec.EstimateSize(rec))
	if err := c.codec.Serialize(rec, w); err != nil {
		return false, err
	}
	if err := txn.Set(key, w.Bytes()); err != nil {
		return false, err
	}
	if err := c.indexes.InsertRecord(txn, rec); err != nil {
		return false, err
	}
	return found, nil
}

// load decodes the record stored under id.
func (c *Collection) load(r kv.Reader, id int64) (*types.Record, bool, error) {
	data, found, err := r.Get(keys.Primary(c.name, id))
	if err != nil || !found {
		return nil, false, err
	}
	rec, err := c.codec.Deserialize(id, data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// nextID returns the id after the counter. Callers hold the write lock.
func (c *Collection) nextID() (int64, error) {
	if c.lastID == math.MaxInt64 {
		return 0, cerrors.NewStorageError(cerrors.CodeIDsExhausted,
			fmt.Sprintf("%s has used every id up to %d", c.name, int64(math.MaxInt64)), nil)
	}
	return c.lastID + 1, nil
}

// committed advances the counter past id. Callers hold the write lock.
func (c *Collection) committed(id int64) {
	if id > c.lastID {
		c.lastID = id
	}
}

// Get returns the record stored under id, or nil when there is none. A
// record that cannot be decoded yields a SCHEMA error, never nil.
func (c *Collection) Get(ctx context.Context, id int64) (*types.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var rec *types.Record
	err := c.engine.View(ctx, func(r kv.Reader) error {
		var err error
		rec, _, err = c.load(r, id)
		return err
	})
	if err != nil {
		return nil, cerrors.EngineFailure("get "+c.name, err)
	}
	return rec, nil
}

// Delete removes the record stored under id and its index entries. It
// reports false when there was nothing to delete.
func (c *Collection) Delete(ctx context.Context, id int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted bool
	err := c.engine.Update(ctx, func(txn kv.Txn) error {
		var err error
		deleted, err = c.remove(txn, id)
		return err
	})
	if err != nil {
		return false, cerrors.EngineFailure("delete "+c.name, err)
	}
	if deleted {
		c.logger.Debug().Int64("id", id).Msg("delete")
		c.notifier.Publish(watch.Change{Collection: c.name, Op: watch.OpDelete, IDs: []int64{id}})
	}
	return deleted, nil
}

func (c *Collection) remove(txn kv.Txn, id int64) (bool, error) {
	prev, found, err := c.load(txn, id)
	if err != nil || !found {
		return false, err
	}
	if err := c.indexes.RemoveRecord(txn, prev); err != nil {
		return false, err
	}
	return true, txn.Delete(keys.Primary(c.name, id))
}

// uniqueIndex returns the named index, which must be unique.
func (c *Collection) uniqueIndex(name string) (*index.Index, error) {
	ix, err := c.indexes.Get(name)
	if err != nil {
		return nil, err
	}
	if !ix.Def.Unique {
		return nil, cerrors.NewQueryError(cerrors.CodeNotUniqueIndex,
			fmt.Sprintf("index %q of %s is not unique", name, c.name))
	}
	return ix, nil
}

// lookupUnique resolves key on a unique index. Keys with a null component
// never match.
func (c *Collection) lookupUnique(r kv.Reader, ix *index.Index, key []types.Value) (int64, bool, error) {
	for _, v := range key {
		if v.IsNull() {
			return 0, false, nil
		}
	}
	ids, err := c.indexes.Lookup(r, ix.Def.Name, key)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], true, nil
}

// PutByIndex upserts rec by the value of a unique index: when a stored
// record has the same key, rec replaces it and takes its id. Otherwise rec
// is stored under its own id, or a fresh one when unset.
func (c *Collection) PutByIndex(ctx context.Context, indexName string, rec *types.Record) (int64, error) {
	ix, err := c.uniqueIndex(indexName)
	if err != nil {
		return 0, err
	}
	if err := c.codec.Validate(rec); err != nil {
		return 0, err
	}
	key := c.indexes.KeyOf(ix, rec)

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		id       int64
		replaced bool
	)
	err = c.engine.Update(ctx, func(txn kv.Txn) error {
		existing, found, err := c.lookupUnique(txn, ix, key)
		if err != nil {
			return err
		}
		switch {
		case found:
			id = existing
		case rec.ID != 0:
			id = rec.ID
		default:
			if id, err = c.nextID(); err != nil {
				return err
			}
		}
		stored := rec.Clone()
		stored.ID = id
		replaced, err = c.write(txn, stored)
		return err
	})
	if err != nil {
		return 0, cerrors.EngineFailure("put "+c.name, err)
	}

	c.committed(id)
	rec.ID = id
	c.logger.Debug().Int64("id", id).Str("index", indexName).Bool("replaced", replaced).Msg("put by index")
	c.notifier.Publish(watch.Change{Collection: c.name, Op: watch.OpPut, IDs: []int64{id}})
	return id, nil
}

// GetByIndex returns the record whose unique index key equals key, or nil.
func (c *Collection) GetByIndex(ctx context.Context, indexName string, key ...types.Value) (*types.Record, error) {
	ix, err := c.uniqueIndex(indexName)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var rec *types.Record
	err = c.engine.View(ctx, func(r kv.Reader) error {
		id, found, err := c.lookupUnique(r, ix, key)
		if err != nil || !found {
			return err
		}
		rec, _, err = c.load(r, id)
		return err
	})
	if err != nil {
		return nil, cerrors.EngineFailure("get "+c.name, err)
	}
	return rec, nil
}

// DeleteByIndex deletes the record whose unique index key equals key and
// returns its id. It reports false when no record matched.
func (c *Collection) DeleteByIndex(ctx context.Context, indexName string, key ...types.Value) (int64, bool, error) {
	ix, err := c.uniqueIndex(indexName)
	if err != nil {
		return 0, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		id      int64
		deleted bool
	)
	err = c.engine.Update(ctx, func(txn kv.Txn) error {
		var found bool
		var err error
		id, found, err = c.lookupUnique(txn, ix, key)
		if err != nil || !found {
			deleted = false
			return err
		}
		deleted, err = c.remove(txn, id)
		return err
	})
	if err != nil {
		return 0, false, cerrors.EngineFailure("delete "+c.name, err)
	}
	if !deleted {
		return 0, false, nil
	}
	c.logger.Debug().Int64("id", id).Str("index", indexName).Msg("delete by index")
	c.notifier.Publish(watch.Change{Collection: c.name, Op: watch.OpDelete, IDs: []int64{id}})
	return id, true, nil
}

// Count returns the number of stored records.
func (c *Collection) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	err := c.engine.View(ctx, func(r kv.Reader) error {
		return kv.ScanPrefix(r, keys.PrimaryPrefix(c.name), false, func(_, _ []byte) error {
			n++
			return nil
		})
	})
	if err != nil {
		return 0, cerrors.EngineFailure("count "+c.name, err)
	}
	return n, nil
}

// Clear deletes every record and index entry and returns the number of
// records removed. The id counter is not reset.
func (c *Collection) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	err := c.engine.Update(ctx, func(txn kv.Txn) error {
		n = 0
		err := kv.ScanPrefix(txn, keys.PrimaryPrefix(c.name), false, func(k, _ []byte) error {
			n++
			return txn.Delete(k)
		})
		if err != nil {
			return err
		}
		_, err = c.indexes.DropAll(txn)
		return err
	})
	if err != nil {
		return 0, cerrors.EngineFailure("clear "+c.name, err)
	}

	c.logger.Info().Int("records", n).Msg("collection cleared")
	c.notifier.Publish(watch.Change{Collection: c.name, Op: watch.OpClear})
	return n, nil
}

// RebuildIndexes drops every index entry of the collection and indexes all
// stored records again. It runs after the schema's index set changed.
func (c *Collection) RebuildIndexes(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	err := c.engine.Update(ctx, func(txn kv.Txn) error {
		var records []*types.Record
		err := kv.ScanPrefix(txn, keys.PrimaryPrefix(c.name), false, func(k, v []byte) error {
			id, err := keys.TrailingID(k)
			if err != nil {
				return err
			}
			rec, err := c.codec.Deserialize(id, v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return err
		}
		n = len(records)
		return c.indexes.Rebuild(txn, records)
	})
	if err != nil {
		return cerrors.EngineFailure("rebuild indexes of "+c.name, err)
	}
	c.logger.Info().Int("records", n).Int("indexes", len(c.indexes.Indexes())).Msg("indexes rebuilt")
	return nil
}

// Watch returns a channel of the collection's committed changes. The
// channel is closed when ctx ends. Changes are dropped while the channel
// is full.
func (c *Collection) Watch(ctx context.Context) <-chan watch.Change {
	sub := c.notifier.Subscribe("", c.name)
	go func() {
		<-ctx.Done()
		c.notifier.Unsubscribe(sub.ID)
	}()
	return sub.Ch
}
