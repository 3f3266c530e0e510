package codec

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/pkg/types"
)

func testSchema(t *testing.T) *types.Schema {
	t.Helper()
	s := &types.Schema{
		Name:    "CachedRide",
		Version: 2,
		Fields: []types.FieldDef{
			{Name: "serverId", Type: types.KindString},
			{Name: "isActive", Type: types.KindBool},
			{Name: "createdAt", Type: types.KindDateTime},
			{Name: "passengers", Type: types.KindLong},
			{Name: "fare", Type: types.KindDouble, Nullable: true},
			{Name: "currency", Type: types.KindString, Nullable: true},
			{Name: "driverName", Type: types.KindString, Nullable: true},
		},
	}
	require.NoError(t, s.Validate())
	return s
}

func sampleRecord(t *testing.T, s *types.Schema) *types.Record {
	t.Helper()
	rec := s.NewRecord()
	rec.ID = 7
	require.NoError(t, rec.Set("serverId", types.String("r1")))
	require.NoError(t, rec.Set("isActive", types.Bool(true)))
	require.NoError(t, rec.Set("createdAt", types.DateTime(time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC))))
	require.NoError(t, rec.Set("passengers", types.Long(-3)))
	require.NoError(t, rec.Set("fare", types.Double(12.5)))
	require.NoError(t, rec.Set("driverName", types.String("Zoë ✓")))
	return rec
}

func TestCodec_RoundTrip(t *testing.T) {
	s := testSchema(t)
	c := New(s)
	rec := sampleRecord(t, s)

	data, err := c.Encode(rec)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), c.EstimateSize(rec))

	got, err := c.Deserialize(rec.ID, data)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got), cmp.Diff(rec.Map(), got.Map()))
	assert.True(t, got.MustGet("currency").IsNull())
}

func TestCodec_WriterReuse(t *testing.T) {
	s := testSchema(t)
	c := New(s)
	rec := sampleRecord(t, s)

	w := NewWriter(0)
	require.NoError(t, c.Serialize(rec, w))
	first := append([]byte(nil), w.Bytes()...)

	w.Reset()
	require.NoError(t, c.Serialize(rec, w))
	assert.Equal(t, first, w.Bytes())
}

func TestCodec_MissingRequiredField(t *testing.T) {
	s := testSchema(t)
	c := New(s)
	rec := s.NewRecord()
	require.NoError(t, rec.Set("serverId", types.String("r1")))

	w := NewWriter(16)
	err := c.Serialize(rec, w)
	require.Error(t, err)
	assert.True(t, cerrors.IsValidation(err))
	assert.Equal(t, cerrors.CodeMissingRequiredField, cerrors.GetCode(err))
	assert.Zero(t, w.Len(), "nothing is written when validation fails")
}

func TestCodec_ForeignRecord(t *testing.T) {
	s := testSchema(t)
	other := &types.Schema{Name: "CachedUser", Version: 1, Fields: []types.FieldDef{{Name: "email", Type: types.KindString}}}
	require.NoError(t, other.Validate())

	rec := other.NewRecord()
	require.NoError(t, rec.Set("email", types.String("a@b.c")))
	_, err := New(s).Encode(rec)
	assert.True(t, cerrors.IsSchemaMismatch(err))
}

func TestCodec_DeserializeProperty(t *testing.T) {
	s := testSchema(t)
	c := New(s)
	rec := sampleRecord(t, s)
	data, err := c.Encode(rec)
	require.NoError(t, err)

	for i := range s.Fields {
		v, err := c.DeserializeProperty(data, i)
		require.NoError(t, err)
		assert.True(t, rec.Value(i).Equal(v), "field %s", s.Fields[i].Name)
	}

	_, err = c.DeserializeProperty(data, len(s.Fields))
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeSchemaMismatch, cerrors.GetCode(err))
}

func TestCodec_NewerVersionRejected(t *testing.T) {
	s := testSchema(t)
	newer := testSchema(t)
	newer.Version = 3

	data, err := New(newer).Encode(sampleRecord(t, newer))
	require.NoError(t, err)

	_, err = New(s).Deserialize(1, data)
	require.Error(t, err)
	assert.True(t, cerrors.IsSchemaMismatch(err))
	assert.Equal(t, cerrors.CodeVersionMismatch, cerrors.GetCode(err))

	v, err := Version(data)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestCodec_MoreFieldsThanSchema(t *testing.T) {
	s := testSchema(t)
	wide := testSchema(t)
	wide.Fields = append(wide.Fields, types.FieldDef{Name: "extra", Type: types.KindLong})
	require.NoError(t, wide.Validate())

	rec := sampleRecord(t, wide)
	require.NoError(t, rec.Set("extra", types.Long(1)))
	data, err := New(wide).Encode(rec)
	require.NoError(t, err)

	_, err = New(s).Deserialize(1, data)
	assert.Equal(t, cerrors.CodeSchemaMismatch, cerrors.GetCode(err))
}

func TestCodec_OlderRecordGetsDefaults(t *testing.T) {
	old := &types.Schema{
		Name:    "CachedRide",
		Version: 1,
		Fields: []types.FieldDef{
			{Name: "serverId", Type: types.KindString},
			{Name: "isActive", Type: types.KindBool},
		},
	}
	require.NoError(t, old.Validate())
	rec := old.NewRecord()
	require.NoError(t, rec.Set("serverId", types.String("r9")))
	require.NoError(t, rec.Set("isActive", types.Bool(true)))
	data, err := New(old).Encode(rec)
	require.NoError(t, err)

	s := testSchema(t)
	got, err := New(s).Deserialize(4, data)
	require.NoError(t, err)

	assert.Equal(t, "r9", got.MustGet("serverId").String())
	assert.True(t, got.MustGet("isActive").Equal(types.Bool(true)))
	assert.True(t, got.MustGet("createdAt").Equal(types.DateTimeMicros(0)))
	assert.True(t, got.MustGet("passengers").Equal(types.Long(0)))
	assert.True(t, got.MustGet("fare").IsNull())
	assert.True(t, got.MustGet("driverName").IsNull())
}

func TestCodec_CorruptData(t *testing.T) {
	s := testSchema(t)
	c := New(s)
	data, err := c.Encode(sampleRecord(t, s))
	require.NoError(t, err)

	_, err = c.Deserialize(1, nil)
	assert.Equal(t, cerrors.CodeSchemaMismatch, cerrors.GetCode(err))

	bad := append([]byte{0x00}, data[1:]...)
	_, err = c.Deserialize(1, bad)
	assert.Equal(t, cerrors.CodeSchemaMismatch, cerrors.GetCode(err))

	for cut := 1; cut < len(data); cut++ {
		_, err := c.Deserialize(1, data[:cut])
		require.Error(t, err, "cut at %d", cut)
		assert.True(t, cerrors.IsSchemaMismatch(err), "cut at %d", cut)
	}
}

func TestCodec_EstimateSizeProperty(t *testing.T) {
	s := testSchema(t)
	c := New(s)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encode stays within the estimate and round-trips", prop.ForAll(
		func(serverID string, active bool, created int64, passengers int64, fare float64, currency string, nullCurrency bool) bool {
			rec := s.NewRecord()
			rec.ID = 1
			_ = rec.Set("serverId", types.String(serverID))
			_ = rec.Set("isActive", types.Bool(active))
			_ = rec.Set("createdAt", types.DateTimeMicros(created))
			_ = rec.Set("passengers", types.Long(passengers))
			_ = rec.Set("fare", types.Double(fare))
			if !nullCurrency {
				_ = rec.Set("currency", types.String(currency))
			}

			data, err := c.Encode(rec)
			if err != nil || len(data) > c.EstimateSize(rec) {
				return false
			}
			got, err := c.Deserialize(1, data)
			return err == nil && got.Equal(rec)
		},
		gen.AnyString(),
		gen.Bool(),
		gen.Int64(),
		gen.Int64(),
		gen.Float64(),
		gen.UnicodeString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
