package document

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/hlc"
	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

func newTestStore(t *testing.T, maintainers []index.Maintainer) (*Store, *kv.BoltStore) {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := hlc.NewClock("node-1")
	cfg := Config{Name: "widgets", Type: TypeDocument}
	s, err := NewStore(db, "widgets", cfg, clock, maintainers, nil)
	require.NoError(t, err)
	return s, db
}

func TestInsertGeneratesKeyAndRev(t *testing.T) {
	s, _ := newTestStore(t, nil)
	doc, _, err := s.Insert(map[string]value.Value{"name": value.String("widget")})
	require.NoError(t, err)
	require.NotEmpty(t, doc.Key)
	require.Equal(t, "widgets/"+doc.Key, doc.ID)
	require.NotEmpty(t, doc.Rev)
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	s, _ := newTestStore(t, nil)
	doc, _, err := s.Insert(map[string]value.Value{"_key": value.String("fixed"), "name": value.String("a")})
	require.NoError(t, err)
	require.Equal(t, "fixed", doc.Key)

	_, _, err = s.Insert(map[string]value.Value{"_key": value.String("fixed"), "name": value.String("b")})
	require.Error(t, err)
}

func TestUpdateMergesShallowAndRegeneratesRev(t *testing.T) {
	s, _ := newTestStore(t, nil)
	doc, _, err := s.Insert(map[string]value.Value{"name": value.String("a"), "tags": value.Array([]value.Value{value.String("x")})})
	require.NoError(t, err)

	updated, err := s.Update(doc.Key, map[string]value.Value{"name": value.String("b")}, false)
	require.NoError(t, err)
	require.Equal(t, "b", updated.Data["name"].Str)
	require.Equal(t, "x", updated.Data["tags"].Array[0].Str)
	require.NotEqual(t, doc.Rev, updated.Rev)
}

func TestUpdateNotFound(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Update("missing", map[string]value.Value{"a": value.Number(1)}, false)
	require.Error(t, err)
}

func TestDeleteRemovesDocumentAndCount(t *testing.T) {
	s, _ := newTestStore(t, nil)
	doc, _, err := s.Insert(map[string]value.Value{"name": value.String("a")})
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Count())

	require.NoError(t, s.Delete(doc.Key))
	_, ok, err := s.Get(doc.Key)
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 0, s.Count())
}

func TestInsertFoldsIndexMaintainer(t *testing.T) {
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.OpenColumnFamily("widgets"))

	desc := index.Descriptor{Name: "by_name", Collection: "widgets", Kind: index.KindHash, Fields: []string{"name"}, Unique: true}
	idx := index.NewOrderedIndex(db, "widgets", desc)

	clock := hlc.NewClock("node-1")
	cfg := Config{Name: "widgets", Type: TypeDocument}
	s, err := NewStore(db, "widgets", cfg, clock, []index.Maintainer{idx}, nil)
	require.NoError(t, err)

	_, _, err = s.Insert(map[string]value.Value{"name": value.String("unique-a")})
	require.NoError(t, err)

	_, _, err = s.Insert(map[string]value.Value{"name": value.String("unique-a")})
	require.Error(t, err)
}

func TestTruncateClearsDocumentsButKeepsConfig(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, _, err := s.Insert(map[string]value.Value{"name": value.String("a")})
	require.NoError(t, err)
	_, _, err = s.Insert(map[string]value.Value{"name": value.String("b")})
	require.NoError(t, err)

	n, err := s.Truncate()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	docs, err := s.All()
	require.NoError(t, err)
	require.Empty(t, docs)
	require.Equal(t, "widgets", s.config.Name)
}

func TestRecountDocumentsRepairsCounter(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, _, err := s.Insert(map[string]value.Value{"name": value.String("a")})
	require.NoError(t, err)
	s.count.Store(99)

	n, err := s.RecountDocuments()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.EqualValues(t, 1, s.Count())
}

func TestBroadcastDeliversChanges(t *testing.T) {
	s, _ := newTestStore(t, nil)
	sub := s.Broadcast().Subscribe()
	defer s.Broadcast().Unsubscribe(sub)

	_, _, err := s.Insert(map[string]value.Value{"name": value.String("a")})
	require.NoError(t, err)

	change := <-sub
	require.Equal(t, ChangeInsert, change.Type)
}

func TestInsertBatchRejectsDuplicateKeys(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, _, err := s.Insert(map[string]value.Value{"_key": value.String("a")})
	require.NoError(t, err)

	// A key already stored fails the whole batch: nothing written, the
	// counter untouched.
	_, err = s.InsertBatch([]map[string]value.Value{
		{"_key": value.String("b")},
		{"_key": value.String("a")},
	})
	require.True(t, errs.Is(err, errs.AlreadyExists))
	_, ok, err := s.Get("b")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), s.Count())

	// So does a key repeated within the batch itself.
	_, err = s.InsertBatch([]map[string]value.Value{
		{"_key": value.String("c")},
		{"_key": value.String("c")},
	})
	require.True(t, errs.Is(err, errs.AlreadyExists))
	require.Equal(t, int64(1), s.Count())
}

func TestInsertBatchCountsEachDocumentOnce(t *testing.T) {
	s, _ := newTestStore(t, nil)
	docs, err := s.InsertBatch([]map[string]value.Value{
		{"_key": value.String("a")},
		{"_key": value.String("b")},
		{"name": value.String("generated-key")},
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, int64(3), s.Count())

	n, err := s.RecountDocuments()
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}
