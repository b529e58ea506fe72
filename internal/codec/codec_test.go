package codec

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/cuemby/solidb/internal/value"
	"github.com/stretchr/testify/require"
)

func TestEncodeOrderMatchesCompare(t *testing.T) {
	vals := []value.Value{
		value.Null(),
		value.Bool(false),
		value.Bool(true),
		value.Number(-100),
		value.Number(-1),
		value.Number(0),
		value.Number(1),
		value.Number(30),
		value.Number(30.5),
		value.Number(1000),
		value.String(""),
		value.String("a"),
		value.String("ab"),
		value.String("aba"),
		value.String("b"),
		value.Array([]value.Value{value.Number(1)}),
		value.Array([]value.Value{value.Number(1), value.Number(2)}),
		value.Array([]value.Value{value.Number(2)}),
		value.Object(map[string]value.Value{"a": value.Number(1)}),
	}

	for i := 0; i < len(vals); i++ {
		for j := 0; j < len(vals); j++ {
			want := value.Compare(vals[i], vals[j])
			got := bytes.Compare(Encode(vals[i]), Encode(vals[j]))
			require.Equal(t, sign(want), sign(got), "compare(%v,%v)", vals[i], vals[j])
		}
	}
}

func TestEncodeRandomFloatsPreserveOrder(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	nums := make([]float64, 200)
	for i := range nums {
		nums[i] = (r.Float64() - 0.5) * 1e9
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)

	encoded := make([][]byte, len(sorted))
	for i, n := range sorted {
		encoded[i] = Encode(value.Number(n))
	}
	for i := 1; i < len(encoded); i++ {
		require.LessOrEqual(t, bytes.Compare(encoded[i-1], encoded[i]), 0)
	}
}

func TestEncodeValuesConcatenationIsUnambiguous(t *testing.T) {
	a := EncodeValues(value.String("ab"), value.String("c"))
	b := EncodeValues(value.String("a"), value.String("bc"))
	require.NotEqual(t, a, b)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
