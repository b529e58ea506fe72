package replication

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/hlc"
	"github.com/cuemby/solidb/internal/kv"
)

func openTestLog(t *testing.T, dir string, retention uint64) *Log {
	t.Helper()
	store, err := kv.Open(filepath.Join(dir, "repl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	l, err := OpenLog(store, "node-1", retention)
	require.NoError(t, err)
	return l
}

func testEntry(key string) Entry {
	return Entry{
		HLC:          hlc.Timestamp{Physical: 1000, NodeID: "node-1"},
		Database:     "app",
		Collection:   "users",
		Operation:    OpInsert,
		DocumentKey:  key,
		DocumentData: []byte(`{"_key":"` + key + `"}`),
	}
}

func TestLogAppendAssignsMonotonicSequences(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	seq1, err := l.Append(testEntry("a"))
	require.NoError(t, err)
	seq2, err := l.Append(testEntry("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)
	require.Equal(t, uint64(2), seq2)
	require.Equal(t, uint64(2), l.CurrentSequence())
}

func TestLogEntriesAfter(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	for i := 0; i < 5; i++ {
		_, err := l.Append(testEntry("k"))
		require.NoError(t, err)
	}
	entries, err := l.EntriesAfter(3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(4), entries[0].Sequence)
	require.Equal(t, uint64(5), entries[1].Sequence)
	require.Equal(t, "node-1", entries[0].NodeID)

	limited, err := l.EntriesAfter(0, 3)
	require.NoError(t, err)
	require.Len(t, limited, 3)
}

func TestLogSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "repl.db"))
	require.NoError(t, err)
	l, err := OpenLog(store, "node-1", 0)
	require.NoError(t, err)
	_, err = l.AppendBatch([]Entry{testEntry("a"), testEntry("b")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = kv.Open(filepath.Join(dir, "repl.db"))
	require.NoError(t, err)
	defer store.Close()
	l, err = OpenLog(store, "node-1", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), l.CurrentSequence())

	seq, err := l.Append(testEntry("c"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

func TestLogTrimsBeyondRetention(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 3)
	for i := 0; i < 5; i++ {
		_, err := l.Append(testEntry("k"))
		require.NoError(t, err)
	}
	// Everything older than sequence - retention is gone.
	entries, err := l.EntriesAfter(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, uint64(2), entries[0].Sequence)
	// The sequence counter itself never rewinds.
	require.Equal(t, uint64(5), l.CurrentSequence())
}

func TestLogAppendBatchIsAtomicallySequenced(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	seq, err := l.AppendBatch([]Entry{testEntry("a"), testEntry("b"), testEntry("c")})
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)

	entries, err := l.EntriesAfter(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Sequence)
	}
}
