package collection

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachedb/cachedb/internal/config"
	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/internal/keys"
	"github.com/cachedb/cachedb/internal/kv"
	"github.com/cachedb/cachedb/internal/watch"
	"github.com/cachedb/cachedb/internal/worker"
	"github.com/cachedb/cachedb/pkg/types"
)

func rideSchema() *types.Schema {
	return &types.Schema{
		Name:    "CachedRide",
		Version: 1,
		Fields: []types.FieldDef{
			{Name: "serverId", Type: types.KindString},
			{Name: "isActive", Type: types.KindBool},
			{Name: "createdAt", Type: types.KindDateTime},
			{Name: "currency", Type: types.KindString, Nullable: true},
			{Name: "fare", Type: types.KindDouble, Nullable: true},
		},
		Indexes: []types.IndexDef{
			{Name: "serverId", Fields: []string{"serverId"}, Unique: true},
			{Name: "isActive", Fields: []string{"isActive"}, Kind: types.IndexHash},
			{Name: "currency", Fields: []string{"currency"}},
		},
	}
}

func newEngine(t *testing.T) kv.Engine {
	t.Helper()
	e, err := kv.OpenBadger(config.EngineConfig{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func openRides(t *testing.T, e kv.Engine) *Collection {
	t.Helper()
	pool := worker.NewPool(4, zerolog.Nop())
	t.Cleanup(func() { pool.Close() })
	c, err := Open(context.Background(), e, rideSchema(), Options{Logger: zerolog.Nop(), Pool: pool})
	require.NoError(t, err)
	return c
}

func newRide(t *testing.T, c *Collection, serverID string, active bool) *types.Record {
	t.Helper()
	rec := c.Schema().NewRecord()
	require.NoError(t, rec.Set("serverId", types.String(serverID)))
	require.NoError(t, rec.Set("isActive", types.Bool(active)))
	require.NoError(t, rec.Set("createdAt", types.DateTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))))
	return rec
}

// entries lists every index entry of the collection as index name -> ids.
func entries(t *testing.T, c *Collection) map[string][]int64 {
	t.Helper()
	out := make(map[string][]int64)
	err := c.ReadView(context.Background(), func(v *View) error {
		for _, ix := range v.Indexes().Indexes() {
			ids, err := v.Any(ix.Def.Name, false)
			if err != nil {
				return err
			}
			out[ix.Def.Name] = ids
		}
		ids, err := v.AllIDs(false)
		out["<primary>"] = ids
		return err
	})
	require.NoError(t, err)
	return out
}

func TestPut_AssignsIncreasingIDs(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	for i, sid := range []string{"a", "b", "c"} {
		rec := newRide(t, c, sid, true)
		id, err := c.Put(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
		assert.Equal(t, id, rec.ID)
	}
	assert.Equal(t, int64(3), c.LastID())

	got, err := c.Get(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.MustGet("serverId").String())

	missing, err := c.Get(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPut_ExplicitIDAdvancesCounter(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	rec := newRide(t, c, "x", false)
	rec.ID = 10
	_, err := c.Put(ctx, rec)
	require.NoError(t, err)

	next, err := c.Put(ctx, newRide(t, c, "y", false))
	require.NoError(t, err)
	assert.Equal(t, int64(11), next)
}

func TestPut_CounterExhausted(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	last := newRide(t, c, "last", false)
	last.ID = math.MaxInt64
	_, err := c.Put(ctx, last)
	require.NoError(t, err)

	_, err = c.Put(ctx, newRide(t, c, "after", false))
	assert.Equal(t, cerrors.CodeIDsExhausted, cerrors.GetCode(err))
	assert.Equal(t, cerrors.ErrCategoryStorage, cerrors.GetCategory(err))

	_, err = c.PutByIndex(ctx, "serverId", newRide(t, c, "fresh", false))
	assert.Equal(t, cerrors.CodeIDsExhausted, cerrors.GetCode(err))

	// Records that already have an id still write.
	again := newRide(t, c, "last", true)
	id, err := c.PutByIndex(ctx, "serverId", again)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), id)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_ResumesCounter(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := openRides(t, e)
	for _, sid := range []string{"a", "b", "c"} {
		_, err := c.Put(ctx, newRide(t, c, sid, true))
		require.NoError(t, err)
	}
	_, err := c.Delete(ctx, 2)
	require.NoError(t, err)

	reopened := openRides(t, e)
	assert.Equal(t, int64(3), reopened.LastID())
	id, err := reopened.Put(ctx, newRide(t, reopened, "d", true))
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
}

func TestPut_UniqueViolationLeavesStateUnchanged(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	first := newRide(t, c, "r1", true)
	require.NoError(t, first.Set("currency", types.String("USD")))
	_, err := c.Put(ctx, first)
	require.NoError(t, err)

	before := entries(t, c)
	countBefore, err := c.Count(ctx)
	require.NoError(t, err)

	dup := newRide(t, c, "r1", false)
	require.NoError(t, dup.Set("currency", types.String("EUR")))
	_, err = c.Put(ctx, dup)
	require.Error(t, err)
	assert.True(t, cerrors.IsUniqueViolation(err))
	assert.Equal(t, int64(0), dup.ID)

	countAfter, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, countBefore, countAfter)
	if diff := cmp.Diff(before, entries(t, c)); diff != "" {
		t.Fatalf("index entries changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, int64(1), c.LastID())
}

func TestPut_ValidatesBeforeWriting(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	rec := c.Schema().NewRecord()
	require.NoError(t, rec.Set("serverId", types.String("r1")))
	_, err := c.Put(ctx, rec)
	require.Error(t, err)
	assert.True(t, cerrors.IsValidation(err))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, c.LastID())
}

func TestPut_GetIsIdempotent(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	rec := newRide(t, c, "r1", true)
	require.NoError(t, rec.Set("fare", types.Double(12.5)))
	id, err := c.Put(ctx, rec)
	require.NoError(t, err)

	before := entries(t, c)
	fetched, err := c.Get(ctx, id)
	require.NoError(t, err)

	again, err := c.Put(ctx, fetched)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	after, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, fetched.Equal(after))
	if diff := cmp.Diff(before, entries(t, c)); diff != "" {
		t.Fatalf("index entries changed (-before +after):\n%s", diff)
	}
}

func TestPut_ReplaceMovesIndexEntries(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	rec := newRide(t, c, "r1", true)
	id, err := c.Put(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, rec.Set("serverId", types.String("r2")))
	require.NoError(t, rec.Set("isActive", types.Bool(false)))
	_, err = c.Put(ctx, rec)
	require.NoError(t, err)

	old, err := c.GetByIndex(ctx, "serverId", types.String("r1"))
	require.NoError(t, err)
	assert.Nil(t, old)

	err = c.ReadView(ctx, func(v *View) error {
		active, err := v.Lookup("isActive", []types.Value{types.Bool(true)})
		require.NoError(t, err)
		assert.Empty(t, active)
		inactive, err := v.Lookup("isActive", []types.Value{types.Bool(false)})
		require.NoError(t, err)
		assert.Equal(t, []int64{id}, inactive)
		return nil
	})
	require.NoError(t, err)
}

func TestPutByIndex_Upserts(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	id, err := c.Put(ctx, newRide(t, c, "r1", true))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	update := newRide(t, c, "r1", false)
	got, err := c.PutByIndex(ctx, "serverId", update)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := c.GetByIndex(ctx, "serverId", types.String("r1"))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.Bool(false), stored.MustGet("isActive"))

	fresh, err := c.PutByIndex(ctx, "serverId", newRide(t, c, "r2", true))
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh)

	deletedID, deleted, err := c.DeleteByIndex(ctx, "serverId", types.String("r1"))
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(1), deletedID)

	gone, err := c.GetByIndex(ctx, "serverId", types.String("r1"))
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, deleted, err = c.DeleteByIndex(ctx, "serverId", types.String("r1"))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPutByIndex_RequiresUniqueIndex(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	_, err := c.PutByIndex(ctx, "isActive", newRide(t, c, "r1", true))
	assert.Equal(t, cerrors.CodeNotUniqueIndex, cerrors.GetCode(err))

	_, err = c.GetByIndex(ctx, "nope", types.String("x"))
	assert.Equal(t, cerrors.CodeUnknownIndex, cerrors.GetCode(err))
}

func TestDelete(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	id, err := c.Put(ctx, newRide(t, c, "r1", true))
	require.NoError(t, err)

	deleted, err := c.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)

	for name, ids := range entries(t, c) {
		assert.Empty(t, ids, "entries left in %s", name)
	}
}

func TestGet_CorruptRecordIsNotAbsent(t *testing.T) {
	e := newEngine(t)
	c := openRides(t, e)
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, func(txn kv.Txn) error {
		return txn.Set(keys.Primary(c.Name(), 5), []byte{0xCD, 0x01})
	}))

	rec, err := c.Get(ctx, 5)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.True(t, cerrors.IsSchemaMismatch(err))
}

func TestBatches_ReportPerElement(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	recs := []*types.Record{
		newRide(t, c, "a", true),
		newRide(t, c, "a", false),
		newRide(t, c, "b", true),
	}
	out := c.PutAll(ctx, recs)
	require.Len(t, out, 3)
	assert.NoError(t, out[0].Err)
	assert.True(t, cerrors.IsUniqueViolation(out[1].Err))
	assert.NoError(t, out[2].Err)
	assert.Equal(t, int64(2), out[2].ID)
	assert.Error(t, FirstError(out))

	got := c.GetAll(ctx, []int64{1, 7, 2})
	assert.True(t, got[0].Found)
	assert.False(t, got[1].Found)
	assert.Equal(t, "b", got[2].Record.MustGet("serverId").String())

	byIndex := c.GetAllByIndex(ctx, "serverId", [][]types.Value{{types.String("b")}, {types.String("zz")}})
	assert.Equal(t, int64(2), byIndex[0].ID)
	assert.False(t, byIndex[1].Found)

	upserts := c.PutAllByIndex(ctx, "serverId", []*types.Record{newRide(t, c, "a", false), newRide(t, c, "c", false)})
	require.NoError(t, FirstError(upserts))
	assert.Equal(t, int64(1), upserts[0].ID)
	assert.Equal(t, int64(3), upserts[1].ID)

	dels := c.DeleteAllByIndex(ctx, "serverId", [][]types.Value{{types.String("c")}, {types.String("c")}})
	assert.True(t, dels[0].Found)
	assert.False(t, dels[1].Found)

	removed := c.DeleteAll(ctx, []int64{1, 2, 3})
	assert.True(t, removed[0].Found)
	assert.True(t, removed[1].Found)
	assert.False(t, removed[2].Found)
	assert.NoError(t, FirstError(removed))
}

func TestAsync(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	id, err := c.PutAsync(ctx, newRide(t, c, "r1", true)).Wait(ctx)
	require.NoError(t, err)

	rec, err := c.GetAsync(ctx, id).Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)

	again, err := c.PutByIndexAsync(ctx, "serverId", newRide(t, c, "r1", false)).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	out, err := c.PutAllAsync(ctx, []*types.Record{newRide(t, c, "r2", true)}).Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, FirstError(out))

	deleted, err := c.DeleteAsync(ctx, id).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, deleted)

	outs, err := c.DeleteAllAsync(ctx, []int64{out[0].ID}).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, outs[0].Found)
}

func TestClearAndRebuild(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	for _, sid := range []string{"a", "b", "c"} {
		_, err := c.Put(ctx, newRide(t, c, sid, true))
		require.NoError(t, err)
	}
	before := entries(t, c)

	require.NoError(t, c.RebuildIndexes(ctx))
	if diff := cmp.Diff(before, entries(t, c)); diff != "" {
		t.Fatalf("rebuild changed index entries (-before +after):\n%s", diff)
	}

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for name, ids := range entries(t, c) {
		assert.Empty(t, ids, "entries left in %s", name)
	}

	id, err := c.Put(ctx, newRide(t, c, "d", true))
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
}

func TestView_IDsAndProperties(t *testing.T) {
	c := openRides(t, newEngine(t))
	ctx := context.Background()

	for _, sid := range []string{"a", "b", "c", "d"} {
		_, err := c.Put(ctx, newRide(t, c, sid, true))
		require.NoError(t, err)
	}

	err := c.ReadView(ctx, func(v *View) error {
		ids, err := v.IDs(2, 3, false)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, ids)

		ids, err = v.AllIDs(true)
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 3, 2, 1}, ids)

		ids, err = v.IDs(3, 1, false)
		require.NoError(t, err)
		assert.Empty(t, ids)

		val, found, err := v.LoadProperty(3, c.Schema().FieldIndex("serverId"))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, types.String("c"), val)

		_, found, err = v.LoadProperty(9, 0)
		require.NoError(t, err)
		assert.False(t, found)

		nulls, err := v.RangeScan("currency", index.IsNull())
		require.NoError(t, err)
		assert.Len(t, nulls, 4)
		return nil
	})
	require.NoError(t, err)
}

func TestWatch(t *testing.T) {
	e := newEngine(t)
	notifier := watch.NewNotifier(16)
	c, err := Open(context.Background(), e, rideSchema(), Options{Logger: zerolog.Nop(), Notifier: notifier})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Watch(ctx)

	id, err := c.Put(context.Background(), newRide(t, c, "r1", true))
	require.NoError(t, err)
	_, err = c.Delete(context.Background(), id)
	require.NoError(t, err)

	for _, op := range []watch.Op{watch.OpPut, watch.OpDelete} {
		select {
		case change := <-ch:
			assert.Equal(t, op, change.Op)
			assert.Equal(t, []int64{id}, change.IDs)
		case <-time.After(time.Second):
			t.Fatalf("no %s change received", op)
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
