// Package kv defines the byte-level storage engine the cache is built on and
// provides badger, sqlite and in-memory implementations of it.
//
// An engine offers transactional get/put/delete by raw key bytes plus an
// ordered range scan. Everything else (records, indexes, schemas) is layered
// on top by the packages that use it.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/config"
	cerrors "github.com/cachedb/cachedb/internal/errors"
)

// ErrStopScan ends a Scan early without reporting an error.
var ErrStopScan = errors.New("kv: stop scan")

var (
	errEngineClosed = cerrors.NewStorageError(cerrors.CodeClosed, "engine is closed", nil)
	errReadOnly     = errors.New("kv: write in read-only transaction")
)

// Reader is a read-only view of the keyspace inside one transaction.
type Reader interface {
	// Get returns the value stored under key. The returned slice may be
	// retained by the caller but must not be modified.
	Get(key []byte) ([]byte, bool, error)

	// Scan visits keys in [lower, upper) in ascending order, or descending
	// when reverse is set. A nil bound is open. Returning ErrStopScan from fn
	// ends the scan and Scan returns nil.
	Scan(lower, upper []byte, reverse bool, fn func(key, value []byte) error) error
}

// Txn is a read-write transaction. Writes become visible to other
// transactions only when the enclosing Update returns nil.
type Txn interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Engine is a transactional ordered key-value store.
type Engine interface {
	// Name identifies the backend in logs and stats.
	Name() string

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Reader) error) error

	// Update runs fn in a read-write transaction. The transaction commits
	// when fn returns nil and is discarded otherwise.
	Update(ctx context.Context, fn func(Txn) error) error

	// Maintain runs backend housekeeping: value log GC, checkpoints.
	Maintain(ctx context.Context) error

	Close() error
}

// Open opens the engine selected by cfg.
func Open(cfg config.EngineConfig, logger zerolog.Logger) (Engine, error) {
	switch cfg.Type {
	case config.EngineBadger, "":
		return OpenBadger(cfg, logger)
	case config.EngineSQLite:
		return OpenSQLite(cfg, logger)
	case config.EngineMemory:
		return OpenMemory(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.Type)
	}
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (prefix is all 0xFF).
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ScanPrefix visits every key that starts with prefix.
func ScanPrefix(r Reader, prefix []byte, reverse bool, fn func(key, value []byte) error) error {
	return r.Scan(prefix, PrefixEnd(prefix), reverse, fn)
}

// inRange reports whether key lies in [lower, upper).
func inRange(key, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(key, upper) >= 0 {
		return false
	}
	return true
}

type pair struct {
	key   []byte
	value []byte
}

// emit feeds collected pairs to fn, honouring ErrStopScan.
func emit(pairs []pair, fn func(key, value []byte) error) error {
	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}
