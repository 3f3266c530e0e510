// Package wal provides a segmented write-ahead log that makes the in-memory
// engine durable.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OpKind is the kind of a logged key mutation.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
)

// Op is one key mutation inside a committed transaction.
type Op struct {
	Kind  OpKind `json:"op"`
	Key   []byte `json:"k"`
	Value []byte `json:"v,omitempty"`
}

// Entry is one committed transaction, or a checkpoint holding the whole
// keyspace.
type Entry struct {
	LSN        uint64 `json:"lsn"`
	Ops        []Op   `json:"ops"`
	Checkpoint bool   `json:"checkpoint,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// WAL is an append-only log split into numbered segment files.
type WAL struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	currentLSN uint64
	logger     zerolog.Logger
	mu         sync.Mutex
}

const headerSize = 8

// Open opens the log in dir, creating the directory if it doesn't exist.
// The next LSN continues from the highest one found on disk.
func Open(dir string, maxSegSize int64, logger zerolog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     logger.With().Str("component", "wal").Logger(),
	}

	segments, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		w.segmentID = segments[len(segments)-1]
		for _, id := range segments {
			if err := w.readSegment(id, func(e *Entry) error {
				if e.LSN > w.currentLSN {
					w.currentLSN = e.LSN
				}
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}

	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("wal_%016x.log", id)
}

// listSegments returns the segment ids on disk in ascending order.
func (w *WAL) listSegments() ([]uint64, error) {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var ids []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) != 24 || name[:4] != "wal_" || filepath.Ext(name) != ".log" {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name[4:20], "%016x", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// openSegment opens the current segment file for appending.
func (w *WAL) openSegment() error {
	path := filepath.Join(w.dir, segmentName(w.segmentID))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}

	w.segment = file
	w.offset = offset
	return nil
}

// Append writes one committed transaction and returns its LSN. The entry is
// fsynced before Append returns.
func (w *WAL) Append(ops []Op) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		return 0, fmt.Errorf("wal is closed")
	}

	entry := &Entry{
		LSN:       w.currentLSN + 1,
		Ops:       ops,
		Timestamp: time.Now().UnixNano(),
	}
	if err := w.write(entry); err != nil {
		return 0, err
	}
	w.currentLSN = entry.LSN

	if w.offset >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	return entry.LSN, nil
}

// write frames an entry as [length:4][crc32:4][payload:length].
func (w *WAL) write(entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[headerSize:], payload)

	if _, err := w.segment.Write(buf); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	w.offset += int64(len(buf))
	return nil
}

// RotateSegment closes the current segment and opens a new one.
func (w *WAL) RotateSegment() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *WAL) rotate() error {
	if w.segment != nil {
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}
	w.segmentID++
	return w.openSegment()
}

// Checkpoint writes the whole keyspace as a single entry in a fresh segment
// and removes every older segment. Replay of a log that crashed between the
// two steps still ends in the checkpointed state.
func (w *WAL) Checkpoint(state []Op) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		return 0, fmt.Errorf("wal is closed")
	}
	if err := w.rotate(); err != nil {
		return 0, err
	}

	entry := &Entry{
		LSN:        w.currentLSN + 1,
		Ops:        state,
		Checkpoint: true,
		Timestamp:  time.Now().UnixNano(),
	}
	if err := w.write(entry); err != nil {
		return 0, err
	}
	w.currentLSN = entry.LSN

	segments, err := w.listSegments()
	if err != nil {
		return entry.LSN, err
	}
	removed := 0
	for _, id := range segments {
		if id >= w.segmentID {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, segmentName(id))); err != nil && !os.IsNotExist(err) {
			return entry.LSN, fmt.Errorf("failed to remove segment %d: %w", id, err)
		}
		removed++
	}

	w.logger.Debug().
		Uint64("lsn", entry.LSN).
		Int("keys", len(state)).
		Int("segments_removed", removed).
		Msg("checkpoint written")

	if w.offset >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return entry.LSN, err
		}
	}
	return entry.LSN, nil
}

// CurrentLSN returns the LSN of the last written entry.
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// Close closes the WAL and fsyncs the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment != nil {
		if err := w.segment.Sync(); err != nil {
			return fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		w.segment = nil
	}
	return nil
}
