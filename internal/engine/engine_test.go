package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/value"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), "node-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenCreatesSystemDatabase(t *testing.T) {
	e := openTestEngine(t)
	sys, ok := e.Database(SystemDatabase)
	require.True(t, ok)
	_, ok = sys.Collection(ConfigCollection)
	require.True(t, ok)
	require.Equal(t, 0, e.UserDatabaseCount())
}

func TestDatabaseLifecycle(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.CreateDatabase("app"))
	require.True(t, errs.Is(e.CreateDatabase("app"), errs.AlreadyExists))
	require.Equal(t, []string{SystemDatabase, "app"}, e.ListDatabases())

	require.NoError(t, e.DropDatabase("app"))
	require.True(t, errs.Is(e.DropDatabase("app"), errs.NotFound))
	require.True(t, errs.Is(e.DropDatabase(SystemDatabase), errs.BadRequest))
}

func TestCollectionLifecyclePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "node-1")
	require.NoError(t, err)

	require.NoError(t, e.CreateDatabase("app"))
	db, _ := e.Database("app")
	coll, err := db.CreateCollection(document.Config{Name: "users", Type: document.TypeDocument})
	require.NoError(t, err)
	require.NoError(t, coll.CreateIndex(index.Descriptor{Name: "by_age", Kind: index.KindOrdered, Fields: []string{"age"}}))

	_, _, err = coll.Store().Insert(map[string]value.Value{"_key": value.String("a"), "age": value.Number(30)})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = Open(dir, "node-1")
	require.NoError(t, err)
	defer e.Close()

	db, ok := e.Database("app")
	require.True(t, ok)
	coll, ok = db.Collection("users")
	require.True(t, ok)
	require.Len(t, coll.Indexes(), 1)
	require.Equal(t, int64(1), coll.Store().Count())

	// The rebuilt index still serves lookups.
	oi, ok := coll.Runtime().IndexOn("age")
	require.True(t, ok)
	keys, err := oi.Lookup([]value.Value{value.Number(30)})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, keys)
}

func TestEnsureDatabaseAndCollectionAreIdempotent(t *testing.T) {
	e := openTestEngine(t)
	db1, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	db2, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	require.Same(t, db1, db2)

	c1, err := db1.EnsureCollection("users")
	require.NoError(t, err)
	c2, err := db1.EnsureCollection("users")
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestCreateIndexBuildsOverExistingDocuments(t *testing.T) {
	e := openTestEngine(t)
	db, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	coll, err := db.EnsureCollection("users")
	require.NoError(t, err)

	for _, k := range []string{"a", "b"} {
		_, _, err := coll.Store().Insert(map[string]value.Value{"_key": value.String(k), "age": value.Number(30)})
		require.NoError(t, err)
	}
	require.NoError(t, coll.CreateIndex(index.Descriptor{Name: "by_age", Kind: index.KindOrdered, Fields: []string{"age"}}))

	oi, ok := coll.Runtime().IndexOn("age")
	require.True(t, ok)
	keys, err := oi.Lookup([]value.Value{value.Number(30)})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestCreateUniqueIndexConflictRollsBack(t *testing.T) {
	e := openTestEngine(t)
	db, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	coll, err := db.EnsureCollection("users")
	require.NoError(t, err)

	for _, k := range []string{"a", "b"} {
		_, _, err := coll.Store().Insert(map[string]value.Value{"_key": value.String(k), "email": value.String("dup@x")})
		require.NoError(t, err)
	}
	err = coll.CreateIndex(index.Descriptor{Name: "by_email", Kind: index.KindHash, Fields: []string{"email"}, Unique: true})
	require.True(t, errs.Is(err, errs.AlreadyExists))
	require.Empty(t, coll.Indexes())

	// The failed build left no descriptor behind, so a reopen sees none.
	_, ok, err := e.Store().Get("app:users", []byte("IDX_META/by_email"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDropIndexRemovesEntries(t *testing.T) {
	e := openTestEngine(t)
	db, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	coll, err := db.EnsureCollection("users")
	require.NoError(t, err)
	require.NoError(t, coll.CreateIndex(index.Descriptor{Name: "by_age", Kind: index.KindOrdered, Fields: []string{"age"}}))
	_, _, err = coll.Store().Insert(map[string]value.Value{"_key": value.String("a"), "age": value.Number(1)})
	require.NoError(t, err)

	require.NoError(t, coll.DropIndex("by_age"))
	require.True(t, errs.Is(coll.DropIndex("by_age"), errs.NotFound))
	_, ok := coll.Runtime().IndexOn("age")
	require.False(t, ok)
}

func TestConfigRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.ConfigPut("cluster_peers", map[string]value.Value{
		"peers": value.Array([]value.Value{value.String("10.0.0.2:7700")}),
	}))
	data, ok, err := e.ConfigGet("cluster_peers")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.2:7700", data["peers"].Array[0].Str)

	_, ok, err = e.ConfigGet("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlobChunks(t *testing.T) {
	e := openTestEngine(t)
	db, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	coll, err := db.CreateCollection(document.Config{Name: "files", Type: document.TypeBlob})
	require.NoError(t, err)

	require.NoError(t, coll.PutBlobChunk("f1", 0, []byte("hello ")))
	require.NoError(t, coll.PutBlobChunk("f1", 1, []byte("world")))
	n, err := coll.BlobChunkCount("f1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	chunk, ok, err := coll.GetBlobChunk("f1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world"), chunk)

	require.NoError(t, coll.DeleteBlob("f1"))
	n, err = coll.BlobChunkCount("f1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	e := openTestEngine(t)
	db, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	coll, err := db.EnsureCollection("sessions")
	require.NoError(t, err)
	require.NoError(t, coll.CreateIndex(index.Descriptor{Name: "expiry", Kind: index.KindTTL, ExpiryField: "expires_at"}))

	now := time.Now().Unix()
	for key, exp := range map[string]int64{"old": now - 10, "fresh": now + 3600} {
		_, _, err := coll.Store().Insert(map[string]value.Value{
			"_key":       value.String(key),
			"expires_at": value.Number(float64(exp)),
		})
		require.NoError(t, err)
	}

	removed, err := coll.SweepExpired(now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok, err := coll.Store().Get("old")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = coll.Store().Get("fresh")
	require.NoError(t, err)
	require.True(t, ok)
}
