package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachedb/cachedb/internal/config"
	cerrors "github.com/cachedb/cachedb/internal/errors"
)

func engineFactories() map[string]func(t *testing.T) Engine {
	return map[string]func(t *testing.T) Engine{
		"badger": func(t *testing.T) Engine {
			e, err := OpenBadger(config.EngineConfig{InMemory: true}, zerolog.Nop())
			require.NoError(t, err)
			return e
		},
		"sqlite": func(t *testing.T) Engine {
			e, err := OpenSQLite(config.EngineConfig{InMemory: true}, zerolog.Nop())
			require.NoError(t, err)
			return e
		},
		"sqlite-file": func(t *testing.T) Engine {
			path := filepath.Join(t.TempDir(), "kv.db")
			e, err := OpenSQLite(config.EngineConfig{Path: path}, zerolog.Nop())
			require.NoError(t, err)
			return e
		},
		"memory": func(t *testing.T) Engine {
			e, err := OpenMemory(config.EngineConfig{InMemory: true}, zerolog.Nop())
			require.NoError(t, err)
			return e
		},
		"memory-wal": func(t *testing.T) Engine {
			e, err := OpenMemory(config.EngineConfig{Path: t.TempDir(), WALSegmentSize: 4096}, zerolog.Nop())
			require.NoError(t, err)
			return e
		},
	}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, e Engine)) {
	for name, factory := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			e := factory(t)
			defer e.Close()
			fn(t, e)
		})
	}
}

func put(t *testing.T, e Engine, kvs ...string) {
	t.Helper()
	require.NoError(t, e.Update(context.Background(), func(txn Txn) error {
		for i := 0; i+1 < len(kvs); i += 2 {
			if err := txn.Set([]byte(kvs[i]), []byte(kvs[i+1])); err != nil {
				return err
			}
		}
		return nil
	}))
}

func scanKeys(t *testing.T, e Engine, lower, upper []byte, reverse bool) []string {
	t.Helper()
	var keys []string
	require.NoError(t, e.View(context.Background(), func(r Reader) error {
		return r.Scan(lower, upper, reverse, func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	}))
	return keys
}

func TestEngine_GetSetDelete(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		ctx := context.Background()
		put(t, e, "a", "1", "b", "2")

		require.NoError(t, e.View(ctx, func(r Reader) error {
			v, ok, err := r.Get([]byte("a"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "1", string(v))

			_, ok, err = r.Get([]byte("zz"))
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))

		require.NoError(t, e.Update(ctx, func(txn Txn) error {
			return txn.Delete([]byte("a"))
		}))
		assert.Equal(t, []string{"b"}, scanKeys(t, e, nil, nil, false))
	})
}

func TestEngine_ScanBoundsAndOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		put(t, e, "a", "", "b", "", "c", "", "d", "", "e", "")

		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, scanKeys(t, e, nil, nil, false))
		assert.Equal(t, []string{"e", "d", "c", "b", "a"}, scanKeys(t, e, nil, nil, true))
		assert.Equal(t, []string{"b", "c"}, scanKeys(t, e, []byte("b"), []byte("d"), false))
		assert.Equal(t, []string{"c", "b"}, scanKeys(t, e, []byte("b"), []byte("d"), true))
		assert.Equal(t, []string{"c", "d", "e"}, scanKeys(t, e, []byte("bz"), nil, false))
		assert.Equal(t, []string{"b", "a"}, scanKeys(t, e, nil, []byte("c"), true))
		assert.Empty(t, scanKeys(t, e, []byte("x"), nil, false))
	})
}

func TestEngine_StopScan(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		put(t, e, "a", "", "b", "", "c", "")
		var seen []string
		require.NoError(t, e.View(context.Background(), func(r Reader) error {
			return r.Scan(nil, nil, false, func(k, _ []byte) error {
				seen = append(seen, string(k))
				if len(seen) == 2 {
					return ErrStopScan
				}
				return nil
			})
		}))
		assert.Equal(t, []string{"a", "b"}, seen)
	})
}

func TestEngine_UpdateErrorRollsBack(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		put(t, e, "keep", "v1")
		boom := errors.New("boom")

		err := e.Update(context.Background(), func(txn Txn) error {
			require.NoError(t, txn.Set([]byte("keep"), []byte("v2")))
			require.NoError(t, txn.Set([]byte("new"), []byte("x")))
			require.NoError(t, txn.Delete([]byte("keep")))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		assert.Equal(t, []string{"keep"}, scanKeys(t, e, nil, nil, false))
		require.NoError(t, e.View(context.Background(), func(r Reader) error {
			v, _, err := r.Get([]byte("keep"))
			assert.Equal(t, "v1", string(v))
			return err
		}))
	})
}

func TestEngine_WriteWhileScanning(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		for i := 0; i < 50; i++ {
			put(t, e, fmt.Sprintf("p/%02d", i), "x")
		}
		require.NoError(t, e.Update(context.Background(), func(txn Txn) error {
			return ScanPrefix(txn, []byte("p/"), false, func(k, _ []byte) error {
				return txn.Delete(k)
			})
		}))
		assert.Empty(t, scanKeys(t, e, nil, nil, false))
	})
}

func TestEngine_ReadOnlyView(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		err := e.View(context.Background(), func(r Reader) error {
			txn, ok := r.(Txn)
			if !ok {
				return nil
			}
			return txn.Set([]byte("a"), []byte("b"))
		})
		assert.Error(t, err)
	})
}

func TestEngine_Maintain(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		put(t, e, "a", "1")
		assert.NoError(t, e.Maintain(context.Background()))
		assert.Equal(t, []string{"a"}, scanKeys(t, e, nil, nil, false))
	})
}

func TestEngine_CancelledContext(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := e.Update(ctx, func(txn Txn) error { return txn.Set([]byte("a"), nil) })
		assert.Error(t, err)
	})
}

func TestMemory_WALRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := config.EngineConfig{Path: dir, WALSegmentSize: 1024}

	e, err := OpenMemory(cfg, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		put(t, e, fmt.Sprintf("k%02d", i), fmt.Sprint(i))
	}
	require.NoError(t, e.Update(context.Background(), func(txn Txn) error {
		return txn.Delete([]byte("k00"))
	}))
	require.NoError(t, e.Maintain(context.Background()))
	put(t, e, "after", "checkpoint")
	_ = e.Update(context.Background(), func(txn Txn) error {
		_ = txn.Set([]byte("rolled"), []byte("back"))
		return errors.New("abort")
	})
	require.NoError(t, e.Close())

	reopened, err := OpenMemory(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	keys := scanKeys(t, reopened, nil, nil, false)
	assert.Len(t, keys, 40)
	assert.Equal(t, "after", keys[0])
	assert.NotContains(t, keys, "k00")
	assert.NotContains(t, keys, "rolled")
}

func TestEngine_ClosedReturnsClosedError(t *testing.T) {
	e, err := OpenMemory(config.EngineConfig{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.Close())
	err = e.View(context.Background(), func(Reader) error { return nil })
	assert.True(t, cerrors.IsClosed(err))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x03}, PrefixEnd([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xFF}))
	assert.Nil(t, PrefixEnd([]byte{0xFF, 0xFF}))
}

func TestOpen_SelectsBackend(t *testing.T) {
	for _, typ := range []config.EngineType{config.EngineBadger, config.EngineSQLite, config.EngineMemory} {
		e, err := Open(config.EngineConfig{Type: typ, InMemory: true}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, string(typ), e.Name())
		require.NoError(t, e.Close())
	}
	_, err := Open(config.EngineConfig{Type: "rocks"}, zerolog.Nop())
	assert.Error(t, err)
}
