package replication

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/hlc"
	"github.com/cuemby/solidb/internal/shard"
	"github.com/cuemby/solidb/internal/value"
)

func newTestApplier(t *testing.T, selfAddr string, nodes []string) (*Applier, *engine.Engine) {
	t.Helper()
	eng, err := engine.Open(t.TempDir(), "node-b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	a := NewApplier(eng, selfAddr, func() []string { return nodes })
	return a, eng
}

func insertEntry(origin string, seq uint64, db, coll, key string, fields map[string]any) Entry {
	payload := map[string]any{"_key": key}
	for k, v := range fields {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	return Entry{
		Sequence:     seq,
		NodeID:       origin,
		HLC:          hlc.Timestamp{Physical: 1000 + seq, NodeID: origin},
		Database:     db,
		Collection:   coll,
		Operation:    OpInsert,
		DocumentKey:  key,
		DocumentData: raw,
	}
}

func TestApplyUpsertsAndCheckpoints(t *testing.T) {
	a, eng := newTestApplier(t, "127.0.0.1:1", []string{"127.0.0.1:1"})
	entries := []Entry{
		insertEntry("node-a", 1, "app", "users", "u1", map[string]any{"name": "ada"}),
		insertEntry("node-a", 2, "app", "users", "u2", map[string]any{"name": "grace"}),
	}
	require.True(t, a.Apply(entries))
	require.Equal(t, uint64(2), a.AppliedSequence("node-a"))

	db, ok := eng.Database("app")
	require.True(t, ok)
	coll, ok := db.Collection("users")
	require.True(t, ok)
	doc, found, err := coll.Store().Get("u1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ada", doc.Data["name"].Str)
}

func TestApplyIsIdempotentAcrossReplays(t *testing.T) {
	a, eng := newTestApplier(t, "127.0.0.1:1", []string{"127.0.0.1:1"})
	entries := []Entry{insertEntry("node-a", 1, "app", "users", "u1", map[string]any{"n": 1.0})}
	require.True(t, a.Apply(entries))

	db, _ := eng.Database("app")
	coll, _ := db.Collection("users")
	before, _, err := coll.Store().Get("u1")
	require.NoError(t, err)

	// Replaying the identical batch is a no-op: same count, same rev.
	require.True(t, a.Apply(entries))
	after, _, err := coll.Store().Get("u1")
	require.NoError(t, err)
	require.Equal(t, before.Rev, after.Rev)
	require.Equal(t, int64(1), coll.Store().Count())
}

func TestApplyCheckpointSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	eng, err := engine.Open(dir, "node-b")
	require.NoError(t, err)
	a := NewApplier(eng, "127.0.0.1:1", func() []string { return nil })
	require.True(t, a.Apply([]Entry{insertEntry("node-a", 7, "app", "users", "u1", nil)}))
	require.NoError(t, eng.Close())

	eng, err = engine.Open(dir, "node-b")
	require.NoError(t, err)
	defer eng.Close()
	a = NewApplier(eng, "127.0.0.1:1", func() []string { return nil })
	require.Equal(t, uint64(7), a.AppliedSequence("node-a"))
}

func TestApplyShardFilterDiscardsForeignShards(t *testing.T) {
	self := "127.0.0.1:1"
	other := "127.0.0.1:2"
	a, eng := newTestApplier(t, self, []string{self, other})

	// Pre-create the sharded collection so the apply path sees the
	// shard config.
	db, err := eng.EnsureDatabase("app")
	require.NoError(t, err)
	_, err = db.CreateCollection(document.Config{
		Name:  "users",
		Type:  document.TypeDocument,
		Shard: document.ShardConfig{NumShards: 2, ReplicationFactor: 1},
	})
	require.NoError(t, err)

	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	var entries []Entry
	for i, k := range keys {
		entries = append(entries, insertEntry("node-a", uint64(i+1), "app", "users", k, nil))
	}
	require.True(t, a.Apply(entries))

	nodes, myIndex, ok := shard.SortedNodeIndex([]string{self, other}, self)
	require.True(t, ok)
	coll, _ := db.Collection("users")
	for _, k := range keys {
		_, found, err := coll.Store().Get(k)
		require.NoError(t, err)
		mine := shard.IsShardReplica(shard.Route(k, 2), myIndex, 1, len(nodes))
		require.Equal(t, mine, found, "key %s", k)
	}
	// Discarded entries still advance the checkpoint: they were handled.
	require.Equal(t, uint64(len(keys)), a.AppliedSequence("node-a"))
}

func TestApplyLifecycleOperationsAreIdempotent(t *testing.T) {
	a, eng := newTestApplier(t, "127.0.0.1:1", nil)

	meta, _ := json.Marshal(CreateCollectionMetadata{CollectionType: "document"})
	create := Entry{
		Sequence: 1, NodeID: "node-a", HLC: hlc.Timestamp{Physical: 1, NodeID: "node-a"},
		Database: "app", Collection: "users", Operation: OpCreateCollection, DocumentData: meta,
	}
	require.True(t, a.Apply([]Entry{create}))
	db, ok := eng.Database("app")
	require.True(t, ok)
	_, ok = db.Collection("users")
	require.True(t, ok)

	// Deleting something already gone still succeeds.
	drop := Entry{
		Sequence: 2, NodeID: "node-a", HLC: hlc.Timestamp{Physical: 2, NodeID: "node-a"},
		Database: "app", Collection: "ghost", Operation: OpDeleteCollection,
	}
	require.True(t, a.Apply([]Entry{drop}))
	require.Equal(t, uint64(2), a.AppliedSequence("node-a"))
}

func TestApplyLastWriteWinsByArrivalOrder(t *testing.T) {
	a, eng := newTestApplier(t, "127.0.0.1:1", nil)
	first := insertEntry("node-a", 1, "app", "users", "u1", map[string]any{"v": 1.0})
	second := insertEntry("node-a", 2, "app", "users", "u1", map[string]any{"v": 2.0})
	second.Operation = OpUpdate
	require.True(t, a.Apply([]Entry{first, second}))

	db, _ := eng.Database("app")
	coll, _ := db.Collection("users")
	doc, _, err := coll.Store().Get("u1")
	require.NoError(t, err)
	require.Equal(t, value.Number(2.0), doc.Data["v"])
}

func TestApplyBlobChunks(t *testing.T) {
	a, eng := newTestApplier(t, "127.0.0.1:1", nil)
	chunk := uint32(0)
	put := Entry{
		Sequence: 1, NodeID: "node-a", HLC: hlc.Timestamp{Physical: 1, NodeID: "node-a"},
		Database: "app", Collection: "files", Operation: OpPutBlobChunk,
		DocumentKey: "f1", DocumentData: []byte("chunk-data"), ChunkIndex: &chunk,
	}
	require.True(t, a.Apply([]Entry{put}))

	db, _ := eng.Database("app")
	coll, _ := db.Collection("files")
	data, found, err := coll.GetBlobChunk("f1", 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("chunk-data"), data)

	del := Entry{
		Sequence: 2, NodeID: "node-a", HLC: hlc.Timestamp{Physical: 2, NodeID: "node-a"},
		Database: "app", Collection: "files", Operation: OpDeleteBlob, DocumentKey: "f1",
	}
	require.True(t, a.Apply([]Entry{del}))
	n, err := coll.BlobChunkCount("f1")
	require.NoError(t, err)
	require.Zero(t, n)
}
