package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Replay visits every intact entry on disk in LSN order. A checkpoint entry
// carries the full keyspace, so fn must reset its state when it sees one.
func (w *WAL) Replay(fn func(*Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := w.listSegments()
	if err != nil {
		return err
	}
	var count int
	for _, id := range segments {
		if err := w.readSegment(id, func(e *Entry) error {
			count++
			return fn(e)
		}); err != nil {
			return err
		}
	}
	w.logger.Debug().Int("entries", count).Int("segments", len(segments)).Msg("wal replayed")
	return nil
}

// readSegment decodes one segment. A torn tail ends the segment; entries
// with a bad checksum are skipped with a warning.
func (w *WAL) readSegment(id uint64, fn func(*Entry) error) error {
	path := filepath.Join(w.dir, segmentName(id))
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var offset int64
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("failed to read entry header: %w", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			w.logger.Warn().
				Str("segment", path).
				Int64("offset", offset).
				Msg("truncated entry at segment tail, stopping")
			return nil
		}

		if crc32.ChecksumIEEE(payload) != crc {
			w.logger.Warn().
				Str("segment", path).
				Int64("offset", offset).
				Msg("crc mismatch, skipping entry")
			offset += int64(headerSize) + int64(length)
			continue
		}
		offset += int64(headerSize) + int64(length)

		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			w.logger.Warn().Err(err).Str("segment", path).Msg("undecodable entry, skipping")
			continue
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
}

// ReadEntries reads all intact entries from a single segment file.
func ReadEntries(segmentPath string) ([]*Entry, error) {
	w := &WAL{dir: filepath.Dir(segmentPath), logger: zerolog.Nop()}
	var id uint64
	if _, err := fmt.Sscanf(filepath.Base(segmentPath), "wal_%016x.log", &id); err != nil {
		return nil, fmt.Errorf("not a segment file: %s", segmentPath)
	}
	var entries []*Entry
	err := w.readSegment(id, func(e *Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}
