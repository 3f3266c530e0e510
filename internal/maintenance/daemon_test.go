package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/db"
	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/internal/snapshot"
	"github.com/cachedb/cachedb/internal/storage"
	"github.com/cachedb/cachedb/pkg/types"
)

type fakeTarget struct {
	calls atomic.Int64
	err   error
}

func (f *fakeTarget) Names() []string { return nil }

func (f *fakeTarget) Maintain(ctx context.Context) ([]index.Advice, error) {
	f.calls.Add(1)
	return nil, f.err
}

func TestDaemon_StartStop(t *testing.T) {
	target := &fakeTarget{}
	d := NewDaemon(config.MaintenanceConfig{Interval: 5 * time.Millisecond}, target, nil, zerolog.Nop())

	require.NoError(t, d.Start(context.Background()))
	require.Error(t, d.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool { return target.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	stopped := target.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, target.calls.Load(), "no cycles after Stop")
	assert.Equal(t, stopped, d.Stats().MaintenanceRuns)

	// A stopped daemon can be started again.
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())
}

func TestDaemon_RejectsZeroInterval(t *testing.T) {
	d := NewDaemon(config.MaintenanceConfig{}, &fakeTarget{}, nil, zerolog.Nop())
	require.Error(t, d.Start(context.Background()))
}

func TestDaemon_RunOnceCountsFailures(t *testing.T) {
	target := &fakeTarget{err: errors.New("disk full")}
	d := NewDaemon(config.MaintenanceConfig{Interval: time.Hour}, target, nil, zerolog.Nop())

	d.RunOnce(context.Background())
	d.RunOnce(context.Background())

	s := d.Stats()
	assert.Equal(t, int64(0), s.MaintenanceRuns)
	assert.Equal(t, int64(2), s.Failures)
}

func TestDaemon_RunOnceSkipsCancelledContext(t *testing.T) {
	target := &fakeTarget{}
	d := NewDaemon(config.MaintenanceConfig{Interval: time.Hour}, target, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.RunOnce(ctx)
	assert.Equal(t, int64(0), target.calls.Load())
}

func openDB(t *testing.T) *db.DB {
	t.Helper()
	schema := &types.Schema{
		Name:    "CachedNote",
		Version: 1,
		Fields:  []types.FieldDef{{Name: "text", Type: types.KindString}},
	}
	d, err := db.Open(context.Background(), config.InMemory(config.EngineMemory), zerolog.Nop(), schema)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	c, err := d.Collection("CachedNote")
	require.NoError(t, err)
	rec := schema.NewRecord()
	require.NoError(t, rec.Set("text", types.String("hello")))
	_, err = c.Put(context.Background(), rec)
	require.NoError(t, err)
	return d
}

func TestDaemon_SnapshotOnceExportsAndPrunes(t *testing.T) {
	ctx := context.Background()
	d := openDB(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	snaps := snapshot.NewManager(d, store, t.TempDir(), 2, zerolog.Nop())

	daemon := NewDaemon(config.MaintenanceConfig{Interval: time.Hour, SnapshotKeep: 2}, d, snaps, zerolog.Nop())
	for i := 0; i < 4; i++ {
		daemon.SnapshotOnce(ctx)
	}

	objects, err := snaps.List(ctx, "CachedNote")
	require.NoError(t, err)
	assert.Len(t, objects, 2)

	s := daemon.Stats()
	assert.Equal(t, int64(4), s.Snapshots)
	assert.Equal(t, int64(0), s.Failures)
}

func TestDaemon_SnapshotTicker(t *testing.T) {
	ctx := context.Background()
	d := openDB(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	snaps := snapshot.NewManager(d, store, t.TempDir(), 1, zerolog.Nop())

	daemon := NewDaemon(config.MaintenanceConfig{
		Interval:         time.Hour,
		SnapshotInterval: 5 * time.Millisecond,
	}, d, snaps, zerolog.Nop())
	require.NoError(t, daemon.Start(ctx))
	require.Eventually(t, func() bool { return daemon.Stats().Snapshots >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, daemon.Stop())

	objects, err := snaps.List(ctx, "CachedNote")
	require.NoError(t, err)
	assert.NotEmpty(t, objects)
}
