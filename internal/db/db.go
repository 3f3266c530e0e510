// Package db opens a cache database: one storage engine holding the
// collections of a set of registered schemas.
package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/internal/config"
	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/internal/kv"
	"github.com/cachedb/cachedb/internal/observability"
	"github.com/cachedb/cachedb/internal/query"
	"github.com/cachedb/cachedb/internal/schema"
	"github.com/cachedb/cachedb/internal/watch"
	"github.com/cachedb/cachedb/internal/worker"
	"github.com/cachedb/cachedb/pkg/types"
)

// DB is an open cache database.
type DB struct {
	cfg      *config.Config
	engine   kv.Engine
	registry *schema.Registry
	pool     *worker.Pool
	notifier *watch.Notifier
	stats    *observability.QueryStats
	advisor  *index.Advisor
	logger   zerolog.Logger

	mu          sync.RWMutex
	collections map[string]*collection.Collection
	changes     []schema.Change
	closed      bool
}

// Open opens the engine named by cfg and the collections of schemas plus
// those of cfg.SchemasFile. Stored schemas are synced first; collections
// whose index set changed get their index entries rebuilt.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, schemas ...*types.Schema) (*DB, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryValidation, cerrors.CodeInvalidSchema, "invalid configuration", err)
	}

	reg := schema.NewRegistry()
	for _, s := range schemas {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	if cfg.SchemasFile != "" {
		loaded, err := schema.LoadFile(cfg.SchemasFile)
		if err != nil {
			return nil, err
		}
		for _, s := range loaded {
			if err := reg.Register(s); err != nil {
				return nil, err
			}
		}
	}
	if reg.Len() == 0 {
		return nil, cerrors.NewValidationError(cerrors.CodeInvalidSchema, "no schemas registered")
	}

	if !cfg.Engine.InMemory {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, cerrors.NewStorageError(cerrors.CodeEngineFailure, "failed to create data directories", err)
		}
	}

	engine, err := kv.Open(cfg.Engine, logger)
	if err != nil {
		return nil, cerrors.EngineFailure("failed to open engine", err)
	}

	d := &DB{
		cfg:         cfg,
		engine:      engine,
		registry:    reg,
		pool:        worker.NewPool(cfg.Async.Workers, logger),
		notifier:    watch.NewNotifier(0),
		logger:      observability.Component(logger, "db"),
		collections: make(map[string]*collection.Collection, reg.Len()),
	}
	if cfg.Query.TrackStats {
		d.stats = observability.NewQueryStats(cfg.Query.StatsWindow)
	}
	d.advisor = index.NewAdvisor(d.stats, cfg.Query.IndexAdviceThreshold, logger, reg.All()...)

	if err := d.open(ctx, logger); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) open(ctx context.Context, logger zerolog.Logger) error {
	changes, err := schema.Sync(ctx, d.engine, d.registry)
	if err != nil {
		return err
	}
	d.changes = changes

	byName := make(map[string]schema.Change, len(changes))
	for _, ch := range changes {
		byName[ch.Schema] = ch
		if ch.Kind != schema.Unchanged {
			d.logger.Info().
				Str("collection", ch.Schema).
				Str("change", string(ch.Kind)).
				Int("from_version", ch.FromVersion).
				Int("to_version", ch.ToVersion).
				Strs("added_fields", ch.AddedFields).
				Msg("schema synced")
		}
	}

	opts := collection.Options{Logger: logger, Pool: d.pool, Notifier: d.notifier}
	for _, s := range d.registry.All() {
		c, err := collection.Open(ctx, d.engine, s, opts)
		if err != nil {
			return err
		}
		if byName[s.Name].IndexesChanged {
			if err := c.RebuildIndexes(ctx); err != nil {
				return err
			}
			d.logger.Info().Str("collection", s.Name).Msg("indexes rebuilt")
		}
		d.collections[s.Name] = c
	}

	d.logger.Info().
		Str("engine", d.engine.Name()).
		Int("collections", len(d.collections)).
		Msg("database opened")
	return nil
}

func (d *DB) checkOpen() error {
	if d.closed {
		return cerrors.NewStorageError(cerrors.CodeClosed, "database is closed", nil)
	}
	return nil
}

// Collection returns the collection of the named schema.
func (d *DB) Collection(name string) (*collection.Collection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	c, ok := d.collections[name]
	if !ok {
		return nil, cerrors.New(cerrors.ErrCategoryStorage, cerrors.CodeUnknownCollection,
			fmt.Sprintf("unknown collection %q", name))
	}
	return c, nil
}

// Names returns the collection names in sorted order.
func (d *DB) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query starts a query over the named collection with the configured
// epsilon and statistics.
func (d *DB) Query(name string) (*query.Query, error) {
	c, err := d.Collection(name)
	if err != nil {
		return nil, err
	}
	return query.New(c, d.QueryOptions()...), nil
}

// QueryOptions returns the options every query of this database uses.
func (d *DB) QueryOptions() []query.Option {
	return []query.Option{query.WithEpsilon(d.cfg.Query.FloatEpsilon), query.WithStats(d.stats)}
}

// Config returns the resolved configuration.
func (d *DB) Config() *config.Config { return d.cfg }

// Engine returns the storage engine.
func (d *DB) Engine() kv.Engine { return d.engine }

// Registry returns the schema registry.
func (d *DB) Registry() *schema.Registry { return d.registry }

// Notifier returns the change notifier shared by all collections.
func (d *DB) Notifier() *watch.Notifier { return d.notifier }

// QueryStats returns the filter usage statistics, nil when disabled.
func (d *DB) QueryStats() *observability.QueryStats { return d.stats }

// Advisor returns the index advisor.
func (d *DB) Advisor() *index.Advisor { return d.advisor }

// Changes returns what schema sync did when the database was opened.
func (d *DB) Changes() []schema.Change { return d.changes }

// Maintain runs engine maintenance, prunes stale query statistics and
// logs index advice.
func (d *DB) Maintain(ctx context.Context) ([]index.Advice, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if err := d.engine.Maintain(ctx); err != nil {
		return nil, cerrors.EngineFailure("engine maintenance failed", err)
	}
	d.stats.Prune()
	return d.advisor.Report(), nil
}

// CollectionStats describes one collection.
type CollectionStats struct {
	Name          string `json:"name"`
	SchemaVersion int    `json:"schema_version"`
	Records       int    `json:"records"`
	LastID        int64  `json:"last_id"`
	Indexes       int    `json:"indexes"`
}

// Stats describes the database.
type Stats struct {
	Engine      string            `json:"engine"`
	Collections []CollectionStats `json:"collections"`
	Subscribers int               `json:"subscribers"`
	Workers     int               `json:"workers"`
}

// Stats counts the records of every collection.
func (d *DB) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Engine:      d.engine.Name(),
		Subscribers: d.notifier.Len(),
		Workers:     d.pool.Workers(),
	}
	for _, name := range d.Names() {
		c, err := d.Collection(name)
		if err != nil {
			return st, err
		}
		n, err := c.Count(ctx)
		if err != nil {
			return st, err
		}
		st.Collections = append(st.Collections, CollectionStats{
			Name:          name,
			SchemaVersion: c.Schema().Version,
			Records:       n,
			LastID:        c.LastID(),
			Indexes:       len(c.Schema().Indexes),
		})
	}
	return st, nil
}

// Close waits for async operations, closes subscriber channels and then
// the engine. Closing twice is a no-op.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.pool.Close()
	d.notifier.Close()
	if err := d.engine.Close(); err != nil {
		return cerrors.EngineFailure("failed to close engine", err)
	}
	d.logger.Info().Msg("database closed")
	return nil
}
