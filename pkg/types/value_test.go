package types

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_NullFirst(t *testing.T) {
	vals := []Value{Bool(false), Long(math.MinInt64), Double(math.Inf(-1)), String(""), DateTimeMicros(0)}
	for _, v := range vals {
		assert.Equal(t, -1, Compare(Null(), v), "null < %s", v.Kind())
		assert.Equal(t, 1, Compare(v, Null()), "%s > null", v.Kind())
	}
	assert.Equal(t, 0, Compare(Null(), Null()))
}

func TestCompare_CrossNumeric(t *testing.T) {
	assert.Equal(t, 0, Compare(Long(3), Double(3.0)))
	assert.Equal(t, -1, Compare(Long(2), Double(2.5)))
	assert.Equal(t, 1, Compare(Double(-1.5), Long(-2)))
}

func TestCompare_NaNAfterInfinity(t *testing.T) {
	nan := Double(math.NaN())
	assert.Equal(t, 1, Compare(nan, Double(math.Inf(1))))
	assert.Equal(t, -1, Compare(Double(math.Inf(1)), nan))
	assert.Equal(t, 1, Compare(nan, Long(math.MaxInt64)))
	assert.Equal(t, 0, Compare(nan, Double(math.Copysign(math.NaN(), -1))))
	assert.Equal(t, -1, Compare(Null(), nan))
}

func TestCompare_WithinKind(t *testing.T) {
	assert.Equal(t, -1, Compare(Bool(false), Bool(true)))
	assert.Equal(t, -1, Compare(String("USD"), String("usd")))
	assert.Equal(t, 1, Compare(DateTimeMicros(10), DateTimeMicros(9)))
	assert.Equal(t, 0, Compare(String("r1"), String("r1")))
}

func TestValue_Accessors(t *testing.T) {
	b, ok := Bool(true).AsBool()
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = String("x").AsLong()
	assert.False(t, ok)

	d, ok := Long(4).AsDouble()
	assert.True(t, ok)
	assert.Equal(t, 4.0, d)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	got, ok := DateTime(ts).AsDateTime()
	assert.True(t, ok)
	assert.True(t, ts.Equal(got))
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Double(math.NaN()).Equal(Double(math.NaN())))
	assert.False(t, Long(1).Equal(Double(1)))
	assert.True(t, Null().Equal(Value{}))
}

func TestValueFromJSON(t *testing.T) {
	v, err := ValueFromJSON(KindLong, json.Number("9007199254740993"))
	require.NoError(t, err)
	n, _ := v.AsLong()
	assert.Equal(t, int64(9007199254740993), n)

	v, err = ValueFromJSON(KindDateTime, "2026-01-02T03:04:05Z")
	require.NoError(t, err)
	ts, _ := v.AsDateTime()
	assert.Equal(t, 2026, ts.Year())

	v, err = ValueFromJSON(KindString, nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	_, err = ValueFromJSON(KindLong, 1.5)
	assert.Error(t, err)

	_, err = ValueFromJSON(KindBool, "true")
	assert.Error(t, err)
}

func TestValue_MarshalJSON(t *testing.T) {
	out, err := json.Marshal([]Value{Null(), Bool(true), Long(7), String("a"), DateTimeMicros(0)})
	require.NoError(t, err)
	assert.JSONEq(t, `[null,true,7,"a","1970-01-01T00:00:00Z"]`, string(out))
}

func TestKind_TextRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindBool, KindLong, KindDouble, KindString, KindDateTime} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var back Kind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, k, back)
	}
	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("blob")))
}

func TestProperty_CompareIsAntisymmetric(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Compare(a, b) == -Compare(b, a) for longs and doubles", prop.ForAll(
		func(a int64, b float64) bool {
			return Compare(Long(a), Double(b)) == -Compare(Double(b), Long(a))
		},
		gen.Int64Range(-1<<40, 1<<40),
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("Compare on strings agrees with byte order", prop.ForAll(
		func(a, b string) bool {
			want := 0
			if a < b {
				want = -1
			} else if a > b {
				want = 1
			}
			return Compare(String(a), String(b)) == want
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
