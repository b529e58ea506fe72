package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareOrdering(t *testing.T) {
	ordered := []Value{
		Null(),
		Bool(false),
		Bool(true),
		Number(-1),
		Number(0),
		Number(30),
		String("a"),
		String("b"),
		Array([]Value{Number(1)}),
		Object(map[string]Value{"a": Number(1)}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		require.Negative(t, Compare(ordered[i], ordered[i+1]), "index %d should sort before %d", i, i+1)
	}
}

func TestEqualIntFloat(t *testing.T) {
	require.True(t, Equal(Number(30), Number(30.0)))
}

func TestTruthy(t *testing.T) {
	require.False(t, Null().Truthy())
	require.False(t, Number(0).Truthy())
	require.False(t, String("").Truthy())
	require.False(t, Array(nil).Truthy())
	require.True(t, String("x").Truthy())
	require.True(t, Number(1).Truthy())
}

func TestJSONRoundTrip(t *testing.T) {
	v := Object(map[string]Value{
		"name": String("ada"),
		"age":  Number(30),
		"tags": Array([]Value{String("a"), String("b")}),
	})
	data, err := v.MarshalJSON()
	require.NoError(t, err)

	var out Value
	require.NoError(t, out.UnmarshalJSON(data))
	require.True(t, Equal(v, out))
}

func TestPath(t *testing.T) {
	v := Object(map[string]Value{
		"a": Object(map[string]Value{
			"b": Number(42),
		}),
	})
	got, ok := v.Path([]string{"a", "b"})
	require.True(t, ok)
	require.True(t, Equal(got, Number(42)))

	_, ok = v.Path([]string{"a", "c"})
	require.False(t, ok)
}
