package shard

import (
	"fmt"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/events"
	"github.com/cuemby/solidb/pkg/metrics"
)

// ShouldPauseResharding reports whether data movement must wait:
// fewer than half the nodes healthy, or more than half recently failed.
func (c *Coordinator) ShouldPauseResharding() bool {
	total := len(c.cluster.AllNodes())
	if total == 0 {
		return false
	}
	healthy := len(c.cluster.HealthyNodes())
	if healthy < (total+1)/2 {
		c.logger.Warn().Int("healthy", healthy).Int("total", total).Msg("resharding paused: too few healthy nodes")
		return true
	}
	if c.failures.RecentCount() > total/2 {
		c.logger.Warn().Int("recently_failed", c.failures.RecentCount()).Int("total", total).Msg("resharding paused: too many recent failures")
		return true
	}
	return false
}

// IsRebalancing reports whether a rebalance is in flight (healing is
// skipped while it is).
func (c *Coordinator) IsRebalancing() bool { return c.rebalancing.Load() }

// Rebalance changes a collection's shard count: a new balanced table is
// computed, every document is re-routed key-by-key to its new physical
// shard, and only successfully migrated keys are deleted from their
// source. Contraction then drops the trailing shards left empty once
// the table settles; a trailing shard that still holds documents is
// kept.
func (c *Coordinator) Rebalance(database, collection string, newNumShards uint32) error {
	if newNumShards == 0 {
		return errs.New(errs.ShardingError, "cannot rebalance to zero shards")
	}
	if c.ShouldPauseResharding() {
		return errs.New(errs.ShardingError, "cluster unhealthy, resharding paused")
	}
	if !c.rebalancing.CompareAndSwap(false, true) {
		return errs.New(errs.ShardingError, "rebalance already in progress")
	}
	defer c.rebalancing.Store(false)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RebalanceDuration)

	old, ok := c.Table(database, collection)
	if !ok {
		return errs.New(errs.ShardingError, fmt.Sprintf("no shard table for %s.%s", database, collection))
	}
	if old.NumShards == newNumShards {
		return nil
	}

	db, ok := c.eng.Database(database)
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("database %q not found", database))
	}
	logical, ok := db.Collection(collection)
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", collection))
	}
	cfg := logical.ShardConfig()
	newCfg := document.ShardConfig{NumShards: newNumShards, ShardKey: cfg.ShardKey, ReplicationFactor: cfg.ReplicationFactor}

	newTable := BuildBalancedTable(newNumShards, cfg.ReplicationFactor, c.cluster.AllNodes())
	c.logger.Info().
		Str("collection", database+"/"+collection).
		Uint32("from", old.NumShards).
		Uint32("to", newNumShards).
		Msg("rebalance starting")

	// Ensure every destination physical collection exists before moving
	// anything.
	for shardID := uint32(0); shardID < newNumShards; shardID++ {
		if _, err := db.EnsureCollection(PhysicalShardName(collection, shardID)); err != nil {
			return err
		}
	}

	// Migrate key-by-key: re-route each document of every old shard and
	// delete only what was definitely written to its new home.
	for shardID := uint32(0); shardID < old.NumShards; shardID++ {
		srcName := PhysicalShardName(collection, shardID)
		src, ok := db.Collection(srcName)
		if !ok {
			continue
		}
		docs, err := src.Store().All()
		if err != nil {
			return err
		}

		pairs := make(map[string]map[string]value.Value, len(docs))
		for _, doc := range docs {
			data := make(map[string]value.Value, len(doc.Data)+1)
			for k, v := range doc.Data {
				data[k] = v
			}
			data["_key"] = value.String(doc.Key)
			// Skip documents already in the right place.
			if Route(routingKeyOf(doc.Key, data, newCfg), newNumShards) == shardID && shardID < newNumShards {
				continue
			}
			pairs[doc.Key] = data
		}
		if len(pairs) == 0 {
			continue
		}
		migrated, err := c.UpsertBatchToShards(database, collection, newCfg, pairs)
		if err != nil {
			return err
		}
		// Delete only keys whose new home confirmed the write. Keys bound
		// for shards this node does not carry are not written here and
		// stay in the source shard; no request is sent to the nodes that
		// own them. A partial failure never removes the last copy.
		if err := src.Store().DeleteBatch(migrated); err != nil {
			return err
		}
	}

	if err := c.persistTable(database, collection, newTable); err != nil {
		return err
	}
	c.mu.Lock()
	c.tables[tableMapKey(database, collection)] = newTable
	c.mu.Unlock()

	// Contraction cleanup: drop the physical shards past the new count
	// that are now empty.
	for shardID := newNumShards; shardID < old.NumShards; shardID++ {
		name := PhysicalShardName(collection, shardID)
		if coll, ok := db.Collection(name); ok && coll.Store().Count() == 0 {
			if err := db.DropCollection(name); err != nil && !errs.Is(err, errs.NotFound) {
				return err
			}
		}
	}

	c.publish(events.EventShardRebalanced, database+"/"+collection)
	c.logger.Info().Str("collection", database+"/"+collection).Msg("rebalance complete")
	return nil
}
