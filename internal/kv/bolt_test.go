package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("docs", []byte("a"), []byte("1")))
	v, ok, err := s.Get("docs", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete("docs", []byte("a")))
	_, ok, err = s.Get("docs", []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteBatchAtomicAcrossFamilies(t *testing.T) {
	s := openTestStore(t)
	err := s.WriteBatch([]Op{
		Put("docs", []byte("k1"), []byte("v1")),
		Put("idx", []byte("i1"), []byte("k1")),
	})
	require.NoError(t, err)

	_, ok, _ := s.Get("docs", []byte("k1"))
	require.True(t, ok)
	_, ok, _ = s.Get("idx", []byte("i1"))
	require.True(t, ok)
}

func TestPrefixIterate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]Op{
		Put("docs", []byte("a/1"), []byte("1")),
		Put("docs", []byte("a/2"), []byte("2")),
		Put("docs", []byte("b/1"), []byte("3")),
	}))

	var keys []string
	err := s.PrefixIterate("docs", []byte("a/"), func(e Entry) bool {
		keys = append(keys, string(e.Key))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestRangeDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]Op{
		Put("ttl", []byte("0000000001/k1"), []byte("")),
		Put("ttl", []byte("0000000002/k2"), []byte("")),
		Put("ttl", []byte("0000000099/k3"), []byte("")),
	}))

	require.NoError(t, s.RangeDelete("ttl", []byte("0000000000"), []byte("0000000010")))

	var remaining int
	_ = s.PrefixIterate("ttl", nil, func(Entry) bool { remaining++; return true })
	require.Equal(t, 1, remaining)
}

func TestPrefixUpperBound(t *testing.T) {
	require.Equal(t, []byte{0x01}, PrefixUpperBound([]byte{0x00}))
	require.Nil(t, PrefixUpperBound([]byte{0xFF, 0xFF}))
}
