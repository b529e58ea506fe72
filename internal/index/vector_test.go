package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorIndexBruteForceSearch(t *testing.T) {
	desc := Descriptor{Name: "vec_small", Collection: "embeddings", Kind: KindVector, Fields: []string{"vector"}, Dimensions: 3, Metric: "cosine"}
	idx := NewVectorIndex(desc)

	require.NoError(t, idx.Upsert("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Upsert("c", []float32{0.9, 0.1, 0}))

	matches, err := idx.Search([]float32{1, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "a", matches[0].Key)
}

func TestVectorIndexDimensionMismatch(t *testing.T) {
	desc := Descriptor{Name: "vec_dim", Collection: "embeddings", Kind: KindVector, Fields: []string{"vector"}, Dimensions: 3}
	idx := NewVectorIndex(desc)
	err := idx.Upsert("a", []float32{1, 0})
	require.Error(t, err)
}

func TestVectorIndexDeleteRemovesMatch(t *testing.T) {
	desc := Descriptor{Name: "vec_del", Collection: "embeddings", Kind: KindVector, Fields: []string{"vector"}, Dimensions: 2}
	idx := NewVectorIndex(desc)
	require.NoError(t, idx.Upsert("a", []float32{1, 0}))
	idx.Delete("a")
	matches, err := idx.Search([]float32{1, 0}, 5, 0)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestQuantizeDequantizeRoundTrip(t *testing.T) {
	vec := []float32{0.1, 0.5, -0.3, 0.9}
	q, min, scale := Quantize(vec)
	restored := Dequantize(q, min, scale)
	require.Len(t, restored, len(vec))
	for i, v := range vec {
		require.InDelta(t, v, restored[i], 0.02)
	}
}

func TestVectorIndexPersistLoadRoundTrip(t *testing.T) {
	desc := Descriptor{Name: "vec_persist", Collection: "embeddings", Kind: KindVector, Fields: []string{"vector"}, Dimensions: 2}
	idx := NewVectorIndex(desc)
	require.NoError(t, idx.Upsert("a", []float32{1, 2}))
	require.NoError(t, idx.Upsert("b", []float32{3, 4}))

	blob, err := idx.Persist()
	require.NoError(t, err)

	loaded, err := LoadVectorIndex(desc, blob)
	require.NoError(t, err)
	matches, err := loaded.Search([]float32{1, 2}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "a", matches[0].Key)
}
