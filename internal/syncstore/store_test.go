package syncstore

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "client.db"), "device-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeviceIDPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.db")

	s, err := Open(path, "")
	require.NoError(t, err)
	generated := s.DeviceID()
	require.NotEmpty(t, generated)
	require.NoError(t, s.Close())

	// A different requested id does not override the persisted one.
	s, err = Open(path, "other-device")
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, generated, s.DeviceID())
}

func TestDocumentLifecycle(t *testing.T) {
	s := openTestStore(t)
	doc := StoredDocument{
		Collection:    "notes",
		Key:           "n1",
		Data:          json.RawMessage(`{"title":"hello"}`),
		VersionVector: map[string]uint64{"device-1": 3},
		ModifiedAt:    1000,
	}
	require.NoError(t, s.PutDocument(doc))

	got, ok, err := s.GetDocument("notes", "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc, got)

	docs, err := s.ListDocuments("notes")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// Deletion tombstones: gone from listings, version kept for sync.
	require.NoError(t, s.DeleteDocument("notes", "n1", 2000))
	docs, err = s.ListDocuments("notes")
	require.NoError(t, err)
	require.Empty(t, docs)

	got, ok, err = s.GetDocument("notes", "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.IsDeleted)
	require.Equal(t, map[string]uint64{"device-1": 3}, got.VersionVector)

	versions, err := s.AllVersions("notes")
	require.NoError(t, err)
	require.Contains(t, versions, "n1")
}

func TestListCollections(t *testing.T) {
	s := openTestStore(t)
	for _, c := range []string{"notes", "tasks"} {
		require.NoError(t, s.PutDocument(StoredDocument{Collection: c, Key: "k", Data: json.RawMessage(`{}`)}))
	}
	colls, err := s.ListCollections()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"notes", "tasks"}, colls)
}

func TestSyncVectorAndMetadata(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LastSyncVector()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetLastSyncVector(`{"node-a":42}`))
	v, ok, err := s.LastSyncVector()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"node-a":42}`, v)
}

func TestSubscriptions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SubscribeCollection("notes", ""))
	require.NoError(t, s.SubscribeCollection("tasks", "FOR t IN tasks FILTER t.open == true RETURN t"))

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.NoError(t, s.UnsubscribeCollection("notes"))
	subs, err = s.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "tasks", subs[0].Collection)
}
