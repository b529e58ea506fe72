package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

func openTestStore(t *testing.T) *kv.BoltStore {
	t.Helper()
	s, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.OpenColumnFamily("idx"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTokenizeStripsPunctuation(t *testing.T) {
	require.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
}

func TestNgramsLength(t *testing.T) {
	grams := Ngrams("cat", 3)
	require.Equal(t, []string{"cat"}, grams)

	grams = Ngrams("ab", 3)
	require.Nil(t, grams)
}

func TestFullTextSearchExactAndFuzzy(t *testing.T) {
	s := openTestStore(t)
	desc := Descriptor{Name: "ft_title", Collection: "articles", Kind: KindFullText, Fields: []string{"title"}, MinLength: 2}
	idx := NewFullTextIndex(s, "idx", desc)

	docs := map[string]value.Value{
		"doc1": value.Object(map[string]value.Value{"title": value.String("golang concurrency patterns")}),
		"doc2": value.Object(map[string]value.Value{"title": value.String("golang concurrent patterns")}),
		"doc3": value.Object(map[string]value.Value{"title": value.String("unrelated text here")}),
	}
	for key, doc := range docs {
		puts, _, err := idx.ComputeInsert(key, doc)
		require.NoError(t, err)
		var ops []kv.Op
		ops = append(ops, puts...)
		require.NoError(t, s.WriteBatch(ops))
	}

	loader := func(key string) (value.Value, bool) {
		d, ok := docs[key]
		return d, ok
	}
	matches, err := idx.Search("golang concurrency", 10, loader)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	require.Equal(t, "doc1", matches[0].Key)
}
