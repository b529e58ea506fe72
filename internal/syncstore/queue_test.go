package syncstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoundedQueueRejectsByCount(t *testing.T) {
	s := openTestStore(t)
	cfg := QueueConfig{MaxCount: 2, MaxBytes: 1024 * 1024}

	r1, id1, err := s.AddPendingChangeBounded("notes", "n1", "insert", []byte(`{"a":1}`), 1, cfg)
	require.NoError(t, err)
	require.Equal(t, Added, r1)
	require.NotZero(t, id1)

	r2, _, err := s.AddPendingChangeBounded("notes", "n2", "insert", []byte(`{"a":2}`), 2, cfg)
	require.NoError(t, err)
	require.Equal(t, Added, r2)

	r3, _, err := s.AddPendingChangeBounded("notes", "n3", "insert", []byte(`{"a":3}`), 3, cfg)
	require.NoError(t, err)
	require.Equal(t, RejectedCountLimit, r3)

	require.Equal(t, 2, s.GetQueueStats().Count)
}

func TestBoundedQueueRejectsByBytes(t *testing.T) {
	s := openTestStore(t)
	cfg := QueueConfig{MaxCount: 100, MaxBytes: 500}

	big := make([]byte, 400)
	r, _, err := s.AddPendingChangeBounded("notes", "n1", "insert", big, 1, cfg)
	require.NoError(t, err)
	require.Equal(t, Added, r)

	r, _, err = s.AddPendingChangeBounded("notes", "n2", "insert", big, 2, cfg)
	require.NoError(t, err)
	require.Equal(t, RejectedBytesLimit, r)

	stats := s.GetQueueStats()
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 400, stats.Bytes)
}

func TestQueueNeverExceedsBounds(t *testing.T) {
	s := openTestStore(t)
	cfg := QueueConfig{MaxCount: 10, MaxBytes: 300}
	payload := make([]byte, 50)
	for i := 0; i < 50; i++ {
		_, _, err := s.AddPendingChangeBounded("c", "k", "update", payload, int64(i), cfg)
		require.NoError(t, err)
		stats := s.GetQueueStats()
		require.LessOrEqual(t, stats.Count, cfg.MaxCount)
		require.LessOrEqual(t, stats.Bytes, cfg.MaxBytes)
	}
}

func TestCanAcceptAndRemainingCapacity(t *testing.T) {
	s := openTestStore(t)
	cfg := QueueConfig{MaxCount: 3, MaxBytes: 100}
	require.True(t, s.CanAcceptChange(100, cfg))
	require.False(t, s.CanAcceptChange(101, cfg))
	require.Equal(t, 3, s.RemainingCapacity(cfg))

	_, _, err := s.AddPendingChangeBounded("c", "k", "insert", make([]byte, 60), 1, cfg)
	require.NoError(t, err)
	require.Equal(t, 2, s.RemainingCapacity(cfg))
	require.True(t, s.CanAcceptChange(40, cfg))
	require.False(t, s.CanAcceptChange(41, cfg))
}

func TestPendingChangeOrderAndRemoval(t *testing.T) {
	s := openTestStore(t)
	for i, key := range []string{"a", "b", "c"} {
		_, err := s.AddPendingChange("notes", key, "insert", []byte("x"), int64(i))
		require.NoError(t, err)
	}
	changes, err := s.PendingChanges()
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, "a", changes[0].DocumentKey)
	require.Equal(t, "c", changes[2].DocumentKey)

	require.NoError(t, s.RemovePendingChange(changes[0].ID))
	changes, err = s.PendingChanges()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, "b", changes[0].DocumentKey)

	require.Error(t, s.RemovePendingChange(999))
}

func TestRetryCountLifecycle(t *testing.T) {
	s := openTestStore(t)
	id, err := s.AddPendingChange("notes", "n1", "update", nil, 1)
	require.NoError(t, err)

	require.NoError(t, s.IncrementRetry(id))
	require.NoError(t, s.IncrementRetry(id))
	changes, err := s.PendingChanges()
	require.NoError(t, err)
	require.Equal(t, 2, changes[0].RetryCount)

	require.NoError(t, s.ClearRetry(id))
	changes, err = s.PendingChanges()
	require.NoError(t, err)
	require.Zero(t, changes[0].RetryCount)
}

func TestQueueStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := Open(path, "device-1")
	require.NoError(t, err)
	_, err = s.AddPendingChange("notes", "n1", "insert", []byte("abcd"), 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, "device-1")
	require.NoError(t, err)
	defer s.Close()
	stats := s.GetQueueStats()
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 4, stats.Bytes)

	// New ids keep ascending after reopen.
	id, err := s.AddPendingChange("notes", "n2", "insert", nil, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)

	require.NoError(t, s.ClearPendingChanges())
	require.Zero(t, s.GetQueueStats().Count)
}
