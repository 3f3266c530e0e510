package kv

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/wal"
)

// Memory is an engine backed by an in-memory B-tree. Transactions are
// serialized by a reader-writer lock and roll back through an undo log.
// With a WAL attached every committed transaction is logged first and the
// tree is rebuilt from the log at open.
type Memory struct {
	mu     sync.RWMutex
	tree   *btree
	log    *wal.WAL
	logger zerolog.Logger
	closed bool
}

// OpenMemory opens the memory engine. Unless cfg.InMemory is set, the
// engine is made durable by a WAL in cfg.Path.
func OpenMemory(cfg config.EngineConfig, logger zerolog.Logger) (*Memory, error) {
	m := &Memory{
		tree:   &btree{},
		logger: logger.With().Str("component", "kv.memory").Logger(),
	}
	if cfg.InMemory || cfg.Path == "" {
		return m, nil
	}

	segSize := cfg.WALSegmentSize
	if segSize <= 0 {
		segSize = 16 * 1024 * 1024
	}
	log, err := wal.Open(cfg.Path, segSize, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory engine wal: %w", err)
	}

	var entries int
	err = log.Replay(func(e *wal.Entry) error {
		if e.Checkpoint {
			m.tree = &btree{}
		}
		for _, op := range e.Ops {
			switch op.Kind {
			case wal.OpSet:
				m.tree.Set(op.Key, op.Value)
			case wal.OpDelete:
				m.tree.Delete(op.Key)
			}
		}
		entries++
		return nil
	})
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("replay memory engine wal: %w", err)
	}

	m.log = log
	m.logger.Info().
		Str("path", cfg.Path).
		Int("entries", entries).
		Int("keys", m.tree.Len()).
		Msg("memory engine recovered")
	return m, nil
}

func (m *Memory) Name() string { return string(config.EngineMemory) }

func (m *Memory) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errEngineClosed
	}
	return fn(&memoryTxn{tree: m.tree})
}

func (m *Memory) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errEngineClosed
	}

	txn := &memoryTxn{tree: m.tree, writable: true}
	if err := fn(txn); err != nil {
		txn.rollback()
		return err
	}
	if m.log != nil && len(txn.ops) > 0 {
		if _, err := m.log.Append(txn.ops); err != nil {
			txn.rollback()
			return fmt.Errorf("log transaction: %w", err)
		}
	}
	return nil
}

// Maintain checkpoints the WAL so replay starts from a single entry.
func (m *Memory) Maintain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errEngineClosed
	}
	if m.log == nil {
		return nil
	}

	state := make([]wal.Op, 0, m.tree.Len())
	m.tree.Ascend(nil, nil, func(k, v []byte) bool {
		state = append(state, wal.Op{Kind: wal.OpSet, Key: k, Value: v})
		return true
	})
	lsn, err := m.log.Checkpoint(state)
	if err != nil {
		return fmt.Errorf("checkpoint memory engine: %w", err)
	}
	m.logger.Debug().Uint64("lsn", lsn).Int("keys", len(state)).Msg("memory engine checkpointed")
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.log != nil {
		return m.log.Close()
	}
	return nil
}

type undoEntry struct {
	key     []byte
	value   []byte
	existed bool
}

type memoryTxn struct {
	tree     *btree
	writable bool
	undo     []undoEntry
	ops      []wal.Op
}

func (t *memoryTxn) Get(key []byte) ([]byte, bool, error) {
	v, ok := t.tree.Get(key)
	return v, ok, nil
}

// Scan collects the range before calling fn so fn may write through the
// same transaction.
func (t *memoryTxn) Scan(lower, upper []byte, reverse bool, fn func(key, value []byte) error) error {
	var pairs []pair
	collect := func(k, v []byte) bool {
		pairs = append(pairs, pair{key: k, value: v})
		return true
	}
	if reverse {
		t.tree.Descend(lower, upper, collect)
	} else {
		t.tree.Ascend(lower, upper, collect)
	}
	return emit(pairs, fn)
}

func (t *memoryTxn) Set(key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	k, v := bytes.Clone(key), bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	prev, existed := t.tree.Set(k, v)
	t.undo = append(t.undo, undoEntry{key: k, value: prev, existed: existed})
	t.ops = append(t.ops, wal.Op{Kind: wal.OpSet, Key: k, Value: v})
	return nil
}

func (t *memoryTxn) Delete(key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	k := bytes.Clone(key)
	prev, existed := t.tree.Delete(k)
	if !existed {
		return nil
	}
	t.undo = append(t.undo, undoEntry{key: k, value: prev, existed: true})
	t.ops = append(t.ops, wal.Op{Kind: wal.OpDelete, Key: k})
	return nil
}

// rollback replays the undo log backwards.
func (t *memoryTxn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		if u.existed {
			t.tree.Set(u.key, u.value)
		} else {
			t.tree.Delete(u.key)
		}
	}
	t.undo = nil
	t.ops = nil
}
