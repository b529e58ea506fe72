package shard

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/events"
	"github.com/cuemby/solidb/pkg/log"
)

// Cluster is the coordinator's view of cluster membership, satisfied by
// the replication service.
type Cluster interface {
	// AdvertiseAddr is this node's identity in the sorted node list.
	AdvertiseAddr() string
	// AllNodes returns every known node address including this one.
	AllNodes() []string
	// HealthyNodes returns the nodes currently responding.
	HealthyNodes() []string
}

// Exporter reads a node's physical shard data for healing copies.
// LocalExporter is the only implementation in this repository; it
// answers from this node's own engine whatever node is named.
type Exporter interface {
	// Export returns every document of node's physical collection.
	Export(node, database, collection string) ([]map[string]value.Value, error)
	// Count returns node's document count for the physical collection.
	Count(node, database, collection string) (int64, error)
}

// Coordinator owns shard tables, routing of writes to physical shard
// collections, rebalancing, and replica healing for one node.
type Coordinator struct {
	eng      *engine.Engine
	cluster  Cluster
	exporter Exporter
	broker   *events.Broker
	logger   zerolog.Logger

	mu     sync.RWMutex
	tables map[string]Table // keyed by <db>.<collection>

	rebalancing atomic.Bool
	failures    *FailureTracker
}

// NewCoordinator loads persisted shard tables from _system._config.
func NewCoordinator(eng *engine.Engine, cluster Cluster, exporter Exporter) (*Coordinator, error) {
	c := &Coordinator{
		eng:      eng,
		cluster:  cluster,
		exporter: exporter,
		logger:   log.WithComponent("shard-coordinator"),
		tables:   map[string]Table{},
		failures: NewFailureTracker(),
	}
	if err := c.loadTables(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetBroker attaches a cluster event broker for rebalance/heal events.
func (c *Coordinator) SetBroker(b *events.Broker) { c.broker = b }

func (c *Coordinator) publish(t events.EventType, msg string) {
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: t, Message: msg})
	}
}

// Failures exposes the recently-failed tracker so the membership layer
// can record node outages.
func (c *Coordinator) Failures() *FailureTracker { return c.failures }

func tableMapKey(database, collection string) string {
	return database + "." + collection
}

func (c *Coordinator) loadTables() error {
	sys, ok := c.eng.Database(engine.SystemDatabase)
	if !ok {
		return nil
	}
	cfg, ok := sys.Collection(engine.ConfigCollection)
	if !ok {
		return nil
	}
	docs, err := cfg.Store().All()
	if err != nil {
		return err
	}
	const prefix = "shard_table:"
	for _, doc := range docs {
		if len(doc.Key) <= len(prefix) || doc.Key[:len(prefix)] != prefix {
			continue
		}
		raw, ok := doc.Data["table"]
		if !ok || raw.Kind != value.KindString {
			continue
		}
		table, derr := DecodeTable([]byte(raw.Str))
		if derr != nil {
			c.logger.Warn().Err(derr).Str("key", doc.Key).Msg("skipping corrupt shard table")
			continue
		}
		c.tables[doc.Key[len(prefix):]] = table
	}
	return nil
}

func (c *Coordinator) persistTable(database, collection string, table Table) error {
	raw, err := table.Encode()
	if err != nil {
		return err
	}
	return c.eng.ConfigPut(TableKey(database, collection), map[string]value.Value{
		"table": value.String(string(raw)),
	})
}

// Table returns the shard table for a collection.
func (c *Coordinator) Table(database, collection string) (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[tableMapKey(database, collection)]
	return t, ok
}

// Tables returns a copy of every shard table keyed by <db>.<coll>.
func (c *Coordinator) Tables() map[string]Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Table, len(c.tables))
	for k, v := range c.tables {
		out[k] = v
	}
	return out
}

// InitCollection creates the physical shard collections for a sharded
// logical collection and builds + persists its assignment table.
func (c *Coordinator) InitCollection(database, collection string, cfg document.ShardConfig) error {
	if cfg.NumShards == 0 {
		return errs.New(errs.ShardingError, "collection is not sharded")
	}
	db, err := c.eng.EnsureDatabase(database)
	if err != nil {
		return err
	}
	for shardID := uint32(0); shardID < cfg.NumShards; shardID++ {
		name := PhysicalShardName(collection, shardID)
		if _, err := db.EnsureCollection(name); err != nil {
			return err
		}
	}
	table := BuildBalancedTable(cfg.NumShards, cfg.ReplicationFactor, c.cluster.AllNodes())
	if err := c.persistTable(database, collection, table); err != nil {
		return err
	}
	c.mu.Lock()
	c.tables[tableMapKey(database, collection)] = table
	c.mu.Unlock()
	return nil
}

// RouteKey returns the shard id and physical collection name for a
// routing key.
func (c *Coordinator) RouteKey(collection, key string, numShards uint32) (uint32, string) {
	shardID := Route(key, numShards)
	return shardID, PhysicalShardName(collection, shardID)
}

// UpsertBatchToShards routes each document to its physical shard
// collection and upserts the ones this node carries. Returns the keys
// written locally; the rest reach their owners through replication's
// shard filter.
func (c *Coordinator) UpsertBatchToShards(database, collection string, cfg document.ShardConfig, docs map[string]map[string]value.Value) ([]string, error) {
	db, err := c.eng.EnsureDatabase(database)
	if err != nil {
		return nil, err
	}
	nodes, myIndex, ok := SortedNodeIndex(c.cluster.AllNodes(), c.cluster.AdvertiseAddr())
	if !ok {
		return nil, errs.New(errs.ShardingError, "node missing from cluster list")
	}

	byShard := map[uint32]map[string]map[string]value.Value{}
	for key, data := range docs {
		shardID := Route(routingKeyOf(key, data, cfg), cfg.NumShards)
		if !IsShardReplica(shardID, myIndex, cfg.ReplicationFactor, len(nodes)) {
			continue
		}
		if byShard[shardID] == nil {
			byShard[shardID] = map[string]map[string]value.Value{}
		}
		byShard[shardID][key] = data
	}

	var written []string
	for shardID, batch := range byShard {
		coll, err := db.EnsureCollection(PhysicalShardName(collection, shardID))
		if err != nil {
			return written, err
		}
		keys, err := coll.Store().UpsertBatch(batch)
		if err != nil {
			return written, err
		}
		written = append(written, keys...)
	}
	return written, nil
}

func routingKeyOf(docKey string, data map[string]value.Value, cfg document.ShardConfig) string {
	if cfg.ShardKey != "" && cfg.ShardKey != "_key" {
		if v, ok := data[cfg.ShardKey]; ok && v.Kind == value.KindString {
			return v.Str
		}
	}
	return docKey
}

// GetTotalCount sums the local physical shard counts for a sharded
// collection.
func (c *Coordinator) GetTotalCount(database, collection string, numShards uint32) (int64, error) {
	db, ok := c.eng.Database(database)
	if !ok {
		return 0, errs.New(errs.NotFound, fmt.Sprintf("database %q not found", database))
	}
	var total int64
	for shardID := uint32(0); shardID < numShards; shardID++ {
		coll, ok := db.Collection(PhysicalShardName(collection, shardID))
		if !ok {
			continue
		}
		total += coll.Store().Count()
	}
	return total, nil
}

// LocalExporter satisfies Exporter for documents already on this node.
type LocalExporter struct {
	Eng *engine.Engine
}

// Export returns the documents of a local physical collection.
func (l LocalExporter) Export(_, database, collection string) ([]map[string]value.Value, error) {
	db, ok := l.Eng.Database(database)
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("database %q not found", database))
	}
	coll, ok := db.Collection(collection)
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", collection))
	}
	docs, err := coll.Store().All()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]value.Value, 0, len(docs))
	for _, doc := range docs {
		data := make(map[string]value.Value, len(doc.Data)+1)
		for k, v := range doc.Data {
			data[k] = v
		}
		data["_key"] = value.String(doc.Key)
		out = append(out, data)
	}
	return out, nil
}

// Count returns a local physical collection's document count.
func (l LocalExporter) Count(_, database, collection string) (int64, error) {
	db, ok := l.Eng.Database(database)
	if !ok {
		return 0, nil
	}
	coll, ok := db.Collection(collection)
	if !ok {
		return 0, nil
	}
	return coll.Store().Count(), nil
}
