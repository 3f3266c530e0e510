package query

import (
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/internal/config"
	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/kv"
	"github.com/cachedb/cachedb/internal/observability"
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
			{Name: "fare", Type: types.KindDouble, Nullable: true},
			{Name: "currency", Type: types.KindString, Nullable: true},
			{Name: "driverName", Type: types.KindString, Nullable: true},
			{Name: "seats", Type: types.KindLong},
		},
		Indexes: []types.IndexDef{
			{Name: "serverId", Fields: []string{"serverId"}, Unique: true},
			{Name: "isActive", Fields: []string{"isActive"}},
			{Name: "activeHash", Fields: []string{"isActive"}, Kind: types.IndexHash},
			{Name: "createdAt", Fields: []string{"createdAt"}},
			{Name: "fare", Fields: []string{"fare"}},
			{Name: "currency", Fields: []string{"currency"}},
		},
	}
}

type ride struct {
	serverID string
	active   bool
	minute   int
	fare     *float64
	currency *string
	driver   *string
	seats    int64
}

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func openRides(t testing.TB) *collection.Collection {
	t.Helper()
	e, err := kv.OpenMemory(config.EngineConfig{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	c, err := collection.Open(context.Background(), e, rideSchema(), collection.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func nullable[T any](p *T, wrap func(T) types.Value) types.Value {
	if p == nil {
		return types.Null()
	}
	return wrap(*p)
}

func put(t testing.TB, c *collection.Collection, rides ...ride) []int64 {
	t.Helper()
	ids := make([]int64, len(rides))
	for i, r := range rides {
		rec := c.Schema().NewRecord()
		require.NoError(t, rec.Set("serverId", types.String(r.serverID)))
		require.NoError(t, rec.Set("isActive", types.Bool(r.active)))
		require.NoError(t, rec.Set("createdAt", types.DateTime(t0.Add(time.Duration(r.minute)*time.Minute))))
		require.NoError(t, rec.Set("fare", nullable(r.fare, types.Double)))
		require.NoError(t, rec.Set("currency", nullable(r.currency, types.String)))
		require.NoError(t, rec.Set("driverName", nullable(r.driver, types.String)))
		require.NoError(t, rec.Set("seats", types.Long(r.seats)))
		id, err := c.Put(context.Background(), rec)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func idsOf(recs []*types.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func find(t *testing.T, q *Query) []int64 {
	t.Helper()
	recs, err := q.FindAll(context.Background())
	require.NoError(t, err)
	return idsOf(recs)
}

func sampleRides(t *testing.T) *collection.Collection {
	c := openRides(t)
	put(t, c,
		ride{serverID: "r1", active: true, minute: 5, fare: ptr(12.5), currency: ptr("USD"), driver: ptr("Alice Smith"), seats: 2},
		ride{serverID: "r2", active: false, minute: 1, fare: ptr(7.0), currency: nil, driver: ptr("bob jones"), seats: 1},
		ride{serverID: "r3", active: true, minute: 3, fare: nil, currency: ptr("EUR"), driver: nil, seats: 4},
		ride{serverID: "r4", active: false, minute: 9, fare: ptr(12.500001), currency: ptr("usd"), driver: ptr("ALICE COOPER"), seats: 2},
	)
	return c
}

func TestWhere_ActiveScenario(t *testing.T) {
	c := openRides(t)
	put(t, c,
		ride{serverID: "a", active: true},
		ride{serverID: "b", active: false},
	)

	assert.Equal(t, []int64{1}, find(t, New(c).Index("isActive").EqualTo(types.Bool(true))))
	assert.Equal(t, []int64{2, 1}, find(t, New(c).Index("isActive").Any()))
	assert.Equal(t, []int64{1}, find(t, New(c).Index("activeHash").EqualTo(types.Bool(true))))
	assert.ElementsMatch(t, []int64{1, 2}, find(t, New(c).Index("activeHash").Any()))
}

func TestWhere_CurrencyNullScenario(t *testing.T) {
	c := openRides(t)
	put(t, c,
		ride{serverID: "a", currency: nil},
		ride{serverID: "b", currency: ptr("USD")},
	)

	assert.Equal(t, []int64{1}, find(t, New(c).Index("currency").IsNull()))
	assert.Equal(t, []int64{2}, find(t, New(c).Index("currency").IsNotNull()))
	assert.Equal(t, []int64{1}, find(t, New(c).Filter(Field("currency").IsNull())))
	assert.Equal(t, []int64{2}, find(t, New(c).Filter(Field("currency").IsNotNull())))
}

func TestWhere_Ranges(t *testing.T) {
	c := sampleRides(t)

	assert.Equal(t, []int64{2, 3, 1, 4}, find(t, New(c).Index("createdAt").Any()))
	assert.Equal(t, []int64{4, 1, 3, 2}, find(t, New(c).Index("createdAt").Any().WhereSort(Desc)))
	assert.Equal(t, []int64{3, 1}, find(t, New(c).Index("createdAt").
		Between(types.DateTime(t0.Add(3*time.Minute)), types.DateTime(t0.Add(5*time.Minute)), true, true)))
	assert.Equal(t, []int64{1, 4}, find(t, New(c).Index("fare").GreaterThan(types.Double(12.5), true)))
	assert.Equal(t, []int64{4}, find(t, New(c).Index("fare").GreaterThan(types.Double(12.5), false)))
	assert.Equal(t, []int64{3, 2}, find(t, New(c).Index("fare").LessThan(types.Long(12), false)))

	assert.Equal(t, []int64{2, 3}, find(t, New(c).IDBetween(2, 3)))
	assert.Equal(t, []int64{3, 4}, find(t, New(c).IDGreaterThan(2, false)))
	assert.Equal(t, []int64{1, 2}, find(t, New(c).IDLessThan(2, true)))
	assert.Equal(t, []int64{4}, find(t, New(c).IDEqualTo(4)))
	assert.Equal(t, []int64{4, 3, 2, 1}, find(t, New(c).AnyID().WhereSort(Desc)))
}

func TestWhere_ClausesAreOredWithoutDuplicates(t *testing.T) {
	c := sampleRides(t)
	q := New(c).
		Index("serverId").EqualTo(types.String("r3")).
		Index("isActive").EqualTo(types.Bool(true))
	assert.Equal(t, []int64{3, 1}, find(t, q))
}

func TestWhere_HashIndexRejectsRange(t *testing.T) {
	c := sampleRides(t)
	_, err := New(c).Index("activeHash").GreaterThan(types.Bool(false), false).FindAll(context.Background())
	assert.Equal(t, cerrors.CodeUnsupportedIndexOperation, cerrors.GetCode(err))

	_, err = New(c).Index("missing").Any().FindAll(context.Background())
	assert.Equal(t, cerrors.CodeUnknownIndex, cerrors.GetCode(err))
}

func TestFilter_Comparisons(t *testing.T) {
	c := sampleRides(t)

	assert.Equal(t, []int64{1, 4}, find(t, New(c).Filter(Field("fare").EqualTo(types.Double(12.5)))))
	assert.Equal(t, []int64{1}, find(t, New(c).Filter(Field("fare").EqualTo(types.Double(12.5), Epsilon(0)))))
	assert.Equal(t, []int64{2, 3}, find(t, New(c).Filter(Field("fare").LessThan(types.Double(12.5), false))))
	assert.Equal(t, []int64{2}, find(t, New(c).Filter(Field("fare").Between(types.Long(5), types.Long(10), true, true))))
	assert.Equal(t, []int64{1, 4}, find(t, New(c).Filter(Field("seats").EqualTo(types.Long(2)))))
	assert.Equal(t, []int64{3}, find(t, New(c).Filter(Field("seats").GreaterThan(types.Long(2), false))))
	assert.Equal(t, []int64{2, 3}, find(t, New(c).Filter(Field("id").Between(types.Long(2), types.Long(3), true, true))))
	assert.Equal(t, []int64{1, 3}, find(t, New(c).Filter(
		Field("createdAt").LessThan(types.DateTime(t0.Add(5*time.Minute)), true),
		Field("createdAt").GreaterThan(types.DateTime(t0.Add(2*time.Minute)), false),
	)))
}

func TestFilter_Text(t *testing.T) {
	c := sampleRides(t)

	assert.Equal(t, []int64{1}, find(t, New(c).Filter(Field("currency").EqualTo(types.String("USD")))))
	assert.Equal(t, []int64{1, 4}, find(t, New(c).Filter(Field("currency").EqualTo(types.String("usd"), CaseInsensitive()))))
	assert.Equal(t, []int64{1}, find(t, New(c).Filter(Field("driverName").StartsWith("Alice"))))
	assert.Equal(t, []int64{1, 4}, find(t, New(c).Filter(Field("driverName").StartsWith("alice", CaseInsensitive()))))
	assert.Equal(t, []int64{2}, find(t, New(c).Filter(Field("driverName").EndsWith("jones"))))
	assert.Equal(t, []int64{4}, find(t, New(c).Filter(Field("driverName").Contains("COOP"))))
	assert.Equal(t, []int64{1, 4}, find(t, New(c).Filter(Field("driverName").Matches("a*e ?????*", CaseInsensitive()))))
	assert.Equal(t, []int64{2}, find(t, New(c).Filter(Field("driverName").Matches("b?b *"))))
	assert.Empty(t, find(t, New(c).Filter(Field("driverName").IsEmpty())))
	assert.Equal(t, []int64{1, 2, 4}, find(t, New(c).Filter(Field("driverName").IsNotEmpty())))
	assert.Equal(t, []int64{1}, find(t, New(c).Filter(Field("serverId").Matches("r1"))))
	assert.Empty(t, find(t, New(c).Filter(Field("serverId").Matches("r.*"))))
}

func TestFilter_Groups(t *testing.T) {
	c := sampleRides(t)

	q := New(c).Filter(Or(
		Field("currency").IsNull(),
		And(Field("isActive").EqualTo(types.Bool(true)), Field("seats").GreaterThan(types.Long(3), false)),
	))
	assert.Equal(t, []int64{2, 3}, find(t, q))

	assert.Equal(t, []int64{2, 4}, find(t, New(c).Filter(Not(Field("isActive").EqualTo(types.Bool(true))))))
	assert.Empty(t, find(t, New(c).Filter(Or())))

	q = New(c).Index("isActive").EqualTo(types.Bool(false)).Filter(Field("fare").GreaterThan(types.Long(10), false))
	assert.Equal(t, []int64{4}, find(t, q))
}

func TestFilter_InvalidQueries(t *testing.T) {
	c := sampleRides(t)
	ctx := context.Background()

	cases := map[string]*Query{
		"unknown field":        New(c).Filter(Field("nope").IsNull()),
		"text op on number":    New(c).Filter(Field("fare").StartsWith("1")),
		"kind mismatch":        New(c).Filter(Field("seats").EqualTo(types.String("2"))),
		"unknown sort field":   New(c).SortBy("nope", Asc),
		"unknown distinct":     New(c).DistinctBy("nope"),
		"negative limit":       New(c).Limit(-1),
		"nil filter condition": New(c).Filter(nil),
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := q.FindAll(ctx)
			require.Error(t, err)
			assert.Equal(t, cerrors.CodeInvalidQuery, cerrors.GetCode(err))
		})
	}

	_, err := New(c).Property(ctx, "nope")
	assert.Equal(t, cerrors.CodeInvalidQuery, cerrors.GetCode(err))
}

func TestNaNOrdersAfterInfinityEverywhere(t *testing.T) {
	c := openRides(t)
	put(t, c,
		ride{serverID: "nan", fare: ptr(math.NaN())},
		ride{serverID: "five", fare: ptr(5.0)},
		ride{serverID: "inf", fare: ptr(math.Inf(1))},
		ride{serverID: "neg", fare: ptr(-1.0)},
	)

	assert.Equal(t, []int64{4, 2, 3, 1}, find(t, New(c).Index("fare").Any()))
	assert.Equal(t, []int64{2, 3, 1}, find(t, New(c).Index("fare").GreaterThan(types.Double(0), false)))
	assert.Equal(t, []int64{1, 2, 3}, find(t, New(c).Filter(Field("fare").GreaterThan(types.Double(0), false))))
	assert.Equal(t, []int64{4, 2, 3, 1}, find(t, New(c).SortBy("fare", Asc)))

	assert.Equal(t, []int64{4, 2}, find(t, New(c).Index("fare").LessThan(types.Double(math.Inf(1)), false)))
	assert.Equal(t, []int64{2, 4}, find(t, New(c).Filter(Field("fare").LessThan(types.Double(math.Inf(1)), false))))
	assert.Equal(t, []int64{3}, find(t, New(c).Filter(Field("fare").EqualTo(types.Double(math.Inf(1))))))
	assert.Equal(t, []int64{1}, find(t, New(c).Filter(Field("fare").EqualTo(types.Double(math.NaN())))))
}

func TestSortAndDistinct(t *testing.T) {
	c := sampleRides(t)

	assert.Equal(t, []int64{3, 2, 1, 4}, find(t, New(c).SortBy("fare", Asc)))
	assert.Equal(t, []int64{4, 1, 2, 3}, find(t, New(c).SortBy("fare", Desc)))
	assert.Equal(t, []int64{2, 1, 4, 3}, find(t, New(c).SortBy("seats", Asc).ThenBy("createdAt", Asc)))
	assert.Equal(t, []int64{2, 4, 1, 3}, find(t, New(c).SortBy("seats", Asc).ThenBy("createdAt", Desc)))
	assert.Equal(t, []int64{4, 3, 2, 1}, find(t, New(c).SortBy("serverId", Desc)))

	assert.Equal(t, []int64{2, 1, 3}, find(t, New(c).SortBy("seats", Asc).DistinctBy("seats")))
	assert.Equal(t, []int64{1, 2, 3}, find(t, New(c).DistinctBy("currency", CaseInsensitive())))
	assert.Equal(t, []int64{1, 2, 3, 4}, find(t, New(c).DistinctBy("currency")))
	assert.Equal(t, []int64{1, 2, 3, 4}, find(t, New(c).DistinctBy("isActive").DistinctBy("seats")))
}

func TestTerminals(t *testing.T) {
	c := sampleRides(t)
	ctx := context.Background()

	assert.Equal(t, []int64{2, 3}, find(t, New(c).Offset(1).Limit(2)))
	assert.Equal(t, []int64{1}, find(t, New(c).SortBy("fare", Desc).Offset(1).Limit(5).Filter(Field("seats").EqualTo(types.Long(2)))))
	assert.Empty(t, find(t, New(c).Offset(10)))

	first, err := New(c).SortBy("createdAt", Desc).FindFirst(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), first.ID)

	none, err := New(c).Filter(Field("serverId").EqualTo(types.String("zz"))).FindFirst(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	ok, err := New(c).Index("currency").IsNull().Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := New(c).Index("isActive").EqualTo(types.Bool(true)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = New(c).Filter(Field("fare").IsNotNull()).Limit(2).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = New(c).DistinctBy("seats").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	props, err := New(c).Index("createdAt").Any().Property(ctx, "serverId")
	require.NoError(t, err)
	assert.Equal(t, []types.Value{types.String("r2"), types.String("r3"), types.String("r1"), types.String("r4")}, props)

	props, err = New(c).SortBy("seats", Desc).Limit(2).Property(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, []types.Value{types.Long(3), types.Long(1)}, props)

	props, err = New(c).IDBetween(1, 2).Property(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, []types.Value{types.Long(1), types.Long(2)}, props)

	it, err := New(c).Index("isActive").EqualTo(types.Bool(false)).Iter(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, it.Remaining())
	var seen []int64
	for it.Next() {
		seen = append(seen, it.Record().ID)
	}
	assert.Equal(t, []int64{2, 4}, seen)
	assert.False(t, it.Next())
	assert.Nil(t, it.Record())

	deleted, err := New(c).Filter(Field("isActive").EqualTo(types.Bool(false))).DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	left, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestStatsRecordsUsage(t *testing.T) {
	c := sampleRides(t)
	stats := observability.NewQueryStats(time.Hour)

	_, err := New(c, WithStats(stats)).
		Index("isActive").EqualTo(types.Bool(true)).
		Filter(Field("driverName").Contains("a"), Or(Field("fare").IsNull(), Field("driverName").IsEmpty())).
		FindAll(context.Background())
	require.NoError(t, err)

	byField := make(map[string]observability.FieldStats)
	for _, fs := range stats.GetTopFields(10) {
		byField[fs.Field] = fs
	}
	assert.Equal(t, int64(2), byField["driverName"].Frequency)
	assert.Equal(t, int64(1), byField["fare"].Frequency)
	assert.Equal(t, int64(1), byField["isActive"].Indexed)
}

func TestWithEpsilon(t *testing.T) {
	c := sampleRides(t)
	assert.Equal(t, []int64{1}, find(t, New(c, WithEpsilon(0)).Filter(Field("fare").EqualTo(types.Double(12.5)))))
	assert.Equal(t, []int64{1, 4}, find(t, New(c, WithEpsilon(0)).Filter(Field("fare").EqualTo(types.Double(12.5), Epsilon(0.01)))))
}

func TestSortPreservedAfterDelete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("ascending fare order survives deleting any record", prop.ForAll(
		func(fares []int16, victim uint8) bool {
			if len(fares) == 0 {
				return true
			}
			c := openRides(t)
			rides := make([]ride, len(fares))
			for i, f := range fares {
				rides[i] = ride{serverID: string(rune('a'+i%26)) + string(rune('A'+i/26)), fare: ptr(float64(f))}
			}
			ids := put(t, c, rides...)
			ctx := context.Background()

			if _, err := c.Delete(ctx, ids[int(victim)%len(ids)]); err != nil {
				return false
			}
			recs, err := New(c).SortBy("fare", Asc).FindAll(ctx)
			if err != nil || len(recs) != len(fares)-1 {
				return false
			}
			return sort.SliceIsSorted(recs, func(i, j int) bool {
				return types.Compare(recs[i].MustGet("fare"), recs[j].MustGet("fare")) < 0
			})
		},
		gen.SliceOfN(30, gen.Int16()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
