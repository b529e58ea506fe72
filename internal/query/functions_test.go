package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/value"
)

func callFn(t *testing.T, name string, args ...value.Value) value.Value {
	t.Helper()
	fn, ok := builtins[name]
	require.True(t, ok, "no such builtin %s", name)
	v, err := fn(&Executor{}, args)
	require.NoError(t, err)
	return v
}

func TestArithmeticBuiltins(t *testing.T) {
	assert.Equal(t, 4.0, callFn(t, "ABS", value.Number(-4)).Number)
	assert.Equal(t, 3.0, callFn(t, "CEIL", value.Number(2.1)).Number)
	assert.Equal(t, 2.0, callFn(t, "FLOOR", value.Number(2.9)).Number)
	assert.Equal(t, 8.0, callFn(t, "POW", value.Number(2), value.Number(3)).Number)
}

func TestStringBuiltins(t *testing.T) {
	assert.Equal(t, "AB", callFn(t, "UPPER", value.String("ab")).Str)
	assert.Equal(t, "ab", callFn(t, "LOWER", value.String("AB")).Str)
	assert.Equal(t, "bc", callFn(t, "SUBSTRING", value.String("abcd"), value.Number(1), value.Number(2)).Str)
	assert.True(t, callFn(t, "CONTAINS", value.String("hello world"), value.String("world")).Bool)
}

func TestArraySetOps(t *testing.T) {
	a := value.Array([]value.Value{value.Number(1), value.Number(2), value.Number(3)})
	b := value.Array([]value.Value{value.Number(2), value.Number(3), value.Number(4)})

	union := callFn(t, "UNION", a, b)
	assert.Len(t, union.Array, 6)

	inter := callFn(t, "INTERSECTION", a, b)
	assert.Len(t, inter.Array, 2)

	minus := callFn(t, "MINUS", a, b)
	require.Len(t, minus.Array, 1)
	assert.Equal(t, 1.0, minus.Array[0].Number)

	dup := value.Array([]value.Value{value.Number(1), value.Number(1), value.Number(2)})
	uniq := callFn(t, "UNIQUE", dup)
	assert.Len(t, uniq.Array, 2)
}

func TestAggregateBuiltins(t *testing.T) {
	arr := value.Array([]value.Value{value.Number(1), value.Number(2), value.Number(3), value.Number(4)})
	assert.Equal(t, 10.0, callFn(t, "SUM", arr).Number)
	assert.Equal(t, 2.5, callFn(t, "AVG", arr).Number)
	assert.Equal(t, 1.0, callFn(t, "MIN", arr).Number)
	assert.Equal(t, 4.0, callFn(t, "MAX", arr).Number)
	assert.Equal(t, 4.0, callFn(t, "COUNT", arr).Number)
	assert.Equal(t, 2.5, callFn(t, "MEDIAN", arr).Number)
}

func TestDateTruncAndAdd(t *testing.T) {
	ts := value.Number(1700000000000) // 2023-11-14T22:13:20Z
	truncated := callFn(t, "DATE_TRUNC", ts, value.String("day"))
	assert.Less(t, truncated.Number, ts.Number)

	added := callFn(t, "DATE_ADD", ts, value.Number(1), value.String("day"))
	assert.InDelta(t, ts.Number+86400000, added.Number, 1)
}

func TestDateAddClampsMonthEnd(t *testing.T) {
	// 2024-01-31 + 1 month must clamp to Feb 29 (2024 is a leap year),
	// not overflow into March.
	jan31 := value.Number(1706659200000) // 2024-01-31T00:00:00Z
	added := callFn(t, "DATE_ADD", jan31, value.Number(1), value.String("month"))
	iso := callFn(t, "DATE_ISO8601", added)
	assert.Contains(t, iso.Str, "2024-02-29")
}

func TestGeoDistance(t *testing.T) {
	// Roughly London to Paris, ~340km.
	d := callFn(t, "DISTANCE", value.Number(51.5074), value.Number(-0.1278), value.Number(48.8566), value.Number(2.3522))
	assert.InDelta(t, 343000, d.Number, 20000)
}

func TestLevenshteinBuiltin(t *testing.T) {
	d := callFn(t, "LEVENSHTEIN", value.String("kitten"), value.String("sitting"))
	assert.Equal(t, 3.0, d.Number)
}

func TestMergeBuiltin(t *testing.T) {
	a := value.Object(map[string]value.Value{"x": value.Number(1)})
	b := value.Object(map[string]value.Value{"y": value.Number(2)})
	merged := callFn(t, "MERGE", a, b)
	x, ok := merged.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1.0, x.Number)
	y, ok := merged.Get("y")
	require.True(t, ok)
	assert.Equal(t, 2.0, y.Number)
}
