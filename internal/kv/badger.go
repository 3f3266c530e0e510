package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/config"
)

// maxConflictRetries bounds how often Update retries after badger reports
// an optimistic concurrency conflict.
const maxConflictRetries = 3

// Badger is the default engine, backed by BadgerDB.
type Badger struct {
	db           *badger.DB
	inMemory     bool
	discardRatio float64
	logger       zerolog.Logger
}

// OpenBadger opens a badger database in cfg.Path, or in memory when
// cfg.InMemory is set.
func OpenBadger(cfg config.EngineConfig, logger zerolog.Logger) (*Badger, error) {
	logger = logger.With().Str("component", "kv.badger").Logger()

	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger})
	if cfg.InMemory {
		opts = badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(badgerLogger{logger})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	ratio := cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}

	logger.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("badger engine opened")
	return &Badger{
		db:           db,
		inMemory:     cfg.InMemory,
		discardRatio: ratio,
		logger:       logger,
	}, nil
}

func (b *Badger) Name() string { return string(config.EngineBadger) }

func (b *Badger) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
	return translateBadgerErr(err)
}

func (b *Badger) Update(ctx context.Context, fn func(Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = b.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn, writable: true})
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		b.logger.Debug().Int("attempt", attempt+1).Msg("transaction conflict, retrying")
	}
	return translateBadgerErr(err)
}

// Maintain runs value log GC until badger reports nothing left to rewrite.
func (b *Badger) Maintain(ctx context.Context) error {
	if b.inMemory {
		return nil
	}
	var rounds int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.RunValueLogGC(b.discardRatio)
		if err != nil {
			if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
				break
			}
			return fmt.Errorf("badger value log gc: %w", err)
		}
		rounds++
	}
	b.logger.Debug().Int("rounds", rounds).Msg("value log gc finished")
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func translateBadgerErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return errEngineClosed
	}
	return err
}

type badgerTxn struct {
	txn      *badger.Txn
	writable bool
}

func (t *badgerTxn) Get(key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Scan streams from the iterator in read-only transactions. In read-write
// transactions the range is collected first so fn may write through the
// same transaction.
func (t *badgerTxn) Scan(lower, upper []byte, reverse bool, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	it := t.txn.NewIterator(opts)

	var pairs []pair
	visit := func(k, v []byte) error {
		if t.writable {
			pairs = append(pairs, pair{key: k, value: v})
			return nil
		}
		return fn(k, v)
	}

	err := t.iterate(it, lower, upper, reverse, visit)
	it.Close()
	if err != nil {
		if errors.Is(err, ErrStopScan) {
			return nil
		}
		return err
	}
	if t.writable {
		return emit(pairs, fn)
	}
	return nil
}

func (t *badgerTxn) iterate(it *badger.Iterator, lower, upper []byte, reverse bool, visit func(k, v []byte) error) error {
	if reverse {
		if upper != nil {
			// reverse Seek lands on the largest key <= upper
			it.Seek(upper)
			if it.Valid() && bytes.Equal(it.Item().Key(), upper) {
				it.Next()
			}
		} else {
			it.Rewind()
		}
	} else {
		if lower != nil {
			it.Seek(lower)
		} else {
			it.Rewind()
		}
	}

	for ; it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if reverse && lower != nil && bytes.Compare(key, lower) < 0 {
			return nil
		}
		if !reverse && upper != nil && bytes.Compare(key, upper) >= 0 {
			return nil
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := visit(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) Set(key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	return t.txn.Set(bytes.Clone(key), bytes.Clone(value))
}

func (t *badgerTxn) Delete(key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	return t.txn.Delete(bytes.Clone(key))
}

// badgerLogger routes badger's internal logging to zerolog. Badger is
// chatty at info level, so its info output is demoted to debug.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
