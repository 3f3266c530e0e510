package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setOp(k, v string) Op {
	return Op{Kind: OpSet, Key: []byte(k), Value: []byte(v)}
}

func replayAll(t *testing.T, w *WAL) []*Entry {
	t.Helper()
	var entries []*Entry
	require.NoError(t, w.Replay(func(e *Entry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

func TestWAL_AppendSingleEntry(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 64*1024*1024, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	lsn, err := w.Append([]Op{setOp("k1", "v1"), {Kind: OpDelete, Key: []byte("k0")}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lsn)

	entries, err := ReadEntries(filepath.Join(dir, "wal_0000000000000000.log"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].LSN)
	require.Len(t, entries[0].Ops, 2)
	assert.Equal(t, []byte("v1"), entries[0].Ops[0].Value)
	assert.Equal(t, OpDelete, entries[0].Ops[1].Kind)
}

func TestWAL_AppendMultipleEntries(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 64*1024*1024, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 500; i++ {
		_, err := w.Append([]Op{setOp(fmt.Sprintf("k%03d", i), "v")})
		require.NoError(t, err)
	}

	entries := replayAll(t, w)
	require.Len(t, entries, 500)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.LSN)
		assert.Equal(t, fmt.Sprintf("k%03d", i), string(e.Ops[0].Key))
	}
}

func TestWAL_SegmentRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 256, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 20; i++ {
		_, err := w.Append([]Op{setOp(fmt.Sprintf("key-%d", i), "some value payload")})
		require.NoError(t, err)
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(files), 1, "expected multiple segments")

	assert.Len(t, replayAll(t, w), 20)
}

func TestWAL_ReopenContinuesLSN(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 512, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := w.Append([]Op{setOp("k", fmt.Sprint(i))})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := Open(dir, 512, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(7), w2.CurrentLSN())

	lsn, err := w2.Append([]Op{setOp("k", "next")})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), lsn)
}

func TestWAL_CheckpointRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 128, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		_, err := w.Append([]Op{setOp(fmt.Sprintf("k%d", i), "v")})
		require.NoError(t, err)
	}

	_, err = w.Checkpoint([]Op{setOp("k9", "v")})
	require.NoError(t, err)

	entries := replayAll(t, w)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Checkpoint)
	assert.Equal(t, uint64(11), entries[0].LSN)

	_, err = w.Append([]Op{setOp("k10", "v")})
	require.NoError(t, err)
	assert.Len(t, replayAll(t, w), 2)
}

func TestWAL_TornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 64*1024, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Append([]Op{setOp("a", "1")})
	require.NoError(t, err)
	_, err = w.Append([]Op{setOp("b", "2")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "wal_0000000000000000.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", string(entries[0].Ops[0].Key))
}

func TestWAL_CorruptEntrySkipped(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 64*1024, zerolog.Nop())
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err = w.Append([]Op{setOp(k, "v")})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "wal_0000000000000000.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip a payload byte inside the first entry
	data[headerSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", string(entries[0].Ops[0].Key))
}

func TestWAL_ConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 4096, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := w.Append([]Op{setOp(fmt.Sprintf("%d-%d", g, i), "v")})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	entries := replayAll(t, w)
	require.Len(t, entries, 200)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.LSN)
	}
}

func TestWAL_AppendAfterClose(t *testing.T) {
	w, err := Open(t.TempDir(), 4096, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = w.Append([]Op{setOp("a", "b")})
	assert.Error(t, err)
}
