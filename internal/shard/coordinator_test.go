package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/value"
)

// fakeCluster is a static single- or multi-node membership view.
type fakeCluster struct {
	self    string
	nodes   []string
	healthy []string
}

func (f *fakeCluster) AdvertiseAddr() string  { return f.self }
func (f *fakeCluster) AllNodes() []string     { return f.nodes }
func (f *fakeCluster) HealthyNodes() []string { return f.healthy }

func newTestCoordinator(t *testing.T) (*Coordinator, *engine.Engine, *fakeCluster) {
	t.Helper()
	eng, err := engine.Open(t.TempDir(), "node-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	cluster := &fakeCluster{self: "127.0.0.1:1", nodes: []string{"127.0.0.1:1"}, healthy: []string{"127.0.0.1:1"}}
	c, err := NewCoordinator(eng, cluster, LocalExporter{Eng: eng})
	require.NoError(t, err)
	return c, eng, cluster
}

func shardedConfig(name string, numShards uint32) document.Config {
	return document.Config{
		Name:  name,
		Type:  document.TypeDocument,
		Shard: document.ShardConfig{NumShards: numShards, ReplicationFactor: 1},
	}
}

func TestInitCollectionCreatesPhysicalShardsAndTable(t *testing.T) {
	c, eng, _ := newTestCoordinator(t)
	db, err := eng.EnsureDatabase("app")
	require.NoError(t, err)
	_, err = db.CreateCollection(shardedConfig("users", 2))
	require.NoError(t, err)

	require.NoError(t, c.InitCollection("app", "users", document.ShardConfig{NumShards: 2, ReplicationFactor: 1}))
	for _, name := range []string{"users_s0", "users_s1"} {
		_, ok := db.Collection(name)
		require.True(t, ok, name)
	}
	table, ok := c.Table("app", "users")
	require.True(t, ok)
	require.Equal(t, uint32(2), table.NumShards)

	// The table is persisted: a fresh coordinator over the same engine
	// sees it.
	c2, err := NewCoordinator(eng, &fakeCluster{self: "127.0.0.1:1", nodes: []string{"127.0.0.1:1"}}, LocalExporter{Eng: eng})
	require.NoError(t, err)
	_, ok = c2.Table("app", "users")
	require.True(t, ok)
}

func TestUpsertBatchToShardsRoutesDeterministically(t *testing.T) {
	c, eng, _ := newTestCoordinator(t)
	cfg := document.ShardConfig{NumShards: 2, ReplicationFactor: 1}
	require.NoError(t, c.InitCollection("app", "users", cfg))

	docs := map[string]map[string]value.Value{}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("u%d", i)
		docs[key] = map[string]value.Value{"_key": value.String(key)}
	}
	written, err := c.UpsertBatchToShards("app", "users", cfg, docs)
	require.NoError(t, err)
	require.Len(t, written, 50)

	db, _ := eng.Database("app")
	for key := range docs {
		physical := PhysicalShardName("users", Route(key, 2))
		coll, ok := db.Collection(physical)
		require.True(t, ok)
		_, found, err := coll.Store().Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s missing from %s", key, physical)
	}

	total, err := c.GetTotalCount("app", "users", 2)
	require.NoError(t, err)
	require.Equal(t, int64(50), total)
}

func TestRebalanceExpandPreservesEveryDocument(t *testing.T) {
	c, eng, _ := newTestCoordinator(t)
	db, err := eng.EnsureDatabase("app")
	require.NoError(t, err)
	_, err = db.CreateCollection(shardedConfig("orders", 2))
	require.NoError(t, err)
	cfg := document.ShardConfig{NumShards: 2, ReplicationFactor: 1}
	require.NoError(t, c.InitCollection("app", "orders", cfg))

	docs := map[string]map[string]value.Value{}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("o%d", i)
		docs[key] = map[string]value.Value{"_key": value.String(key), "n": value.Number(float64(i))}
	}
	_, err = c.UpsertBatchToShards("app", "orders", cfg, docs)
	require.NoError(t, err)

	require.NoError(t, c.Rebalance("app", "orders", 4))

	// Every document is retrievable from exactly the shard deterministic
	// routing names, and the total count is unchanged.
	total, err := c.GetTotalCount("app", "orders", 4)
	require.NoError(t, err)
	require.Equal(t, int64(100), total)

	for key := range docs {
		physical := PhysicalShardName("orders", Route(key, 4))
		coll, ok := db.Collection(physical)
		require.True(t, ok)
		_, found, err := coll.Store().Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s missing after rebalance", key)
	}

	table, ok := c.Table("app", "orders")
	require.True(t, ok)
	require.Equal(t, uint32(4), table.NumShards)
}

func TestRebalanceContractionDropsTrailingShards(t *testing.T) {
	c, eng, _ := newTestCoordinator(t)
	db, err := eng.EnsureDatabase("app")
	require.NoError(t, err)
	_, err = db.CreateCollection(shardedConfig("orders", 4))
	require.NoError(t, err)
	cfg := document.ShardConfig{NumShards: 4, ReplicationFactor: 1}
	require.NoError(t, c.InitCollection("app", "orders", cfg))

	docs := map[string]map[string]value.Value{}
	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("o%d", i)
		docs[key] = map[string]value.Value{"_key": value.String(key)}
	}
	_, err = c.UpsertBatchToShards("app", "orders", cfg, docs)
	require.NoError(t, err)

	require.NoError(t, c.Rebalance("app", "orders", 2))

	total, err := c.GetTotalCount("app", "orders", 2)
	require.NoError(t, err)
	require.Equal(t, int64(60), total)
	_, ok := db.Collection("orders_s2")
	require.False(t, ok)
	_, ok = db.Collection("orders_s3")
	require.False(t, ok)
}

func TestRebalancePausesWhenClusterUnhealthy(t *testing.T) {
	c, _, cluster := newTestCoordinator(t)
	cluster.nodes = []string{"127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3"}
	cluster.healthy = []string{"127.0.0.1:1"} // 1 of 3
	require.True(t, c.ShouldPauseResharding())

	cluster.healthy = cluster.nodes
	require.False(t, c.ShouldPauseResharding())

	// More than half the nodes recently failed also pauses.
	c.Failures().Record("127.0.0.1:2")
	c.Failures().Record("127.0.0.1:3")
	require.True(t, c.ShouldPauseResharding())
}
