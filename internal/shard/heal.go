package shard

import (
	"strings"

	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/events"
	"github.com/cuemby/solidb/pkg/metrics"
)

// HealShards walks every shard table and repairs shards whose primary
// or replicas are unhealthy: a missing role is allocated to a healthy
// node not already carrying the shard, and data is copied from the best
// available source. Returns the number of healed assignments. Healing
// is skipped entirely while a rebalance is in flight.
func (c *Coordinator) HealShards() (int, error) {
	if c.rebalancing.Load() {
		c.logger.Debug().Msg("healing skipped: rebalance in progress")
		return 0, nil
	}
	healthy := c.cluster.HealthyNodes()
	if len(healthy) == 0 {
		return 0, nil
	}
	c.failures.CleanupOld()

	healed := 0
	for key, table := range c.Tables() {
		database, collection, ok := splitTableKey(key)
		if !ok {
			continue
		}
		n, err := c.healTable(database, collection, table, healthy)
		if err != nil {
			metrics.HealCyclesTotal.WithLabelValues("error").Inc()
			return healed, err
		}
		healed += n
	}
	if healed > 0 {
		metrics.HealCyclesTotal.WithLabelValues("healed").Inc()
	} else {
		metrics.HealCyclesTotal.WithLabelValues("noop").Inc()
	}
	return healed, nil
}

func splitTableKey(key string) (database, collection string, ok bool) {
	i := strings.IndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

func (c *Coordinator) healTable(database, collection string, table Table, healthy []string) (int, error) {
	healthySet := map[string]bool{}
	for _, n := range healthy {
		healthySet[n] = true
	}

	healed := 0
	changed := false
	for _, shardID := range table.ShardIDs() {
		assignment := table.Assignments[shardID]
		primaryHealthy := healthySet[assignment.Primary]

		var healthyReplicas []string
		for _, r := range assignment.Replicas {
			if healthySet[r] {
				healthyReplicas = append(healthyReplicas, r)
			}
		}
		neededReplicas := table.ReplicationFactor - 1
		if neededReplicas < 0 {
			neededReplicas = 0
		}
		if primaryHealthy && len(healthyReplicas) >= neededReplicas {
			if repaired, err := c.reconcileReplicaDrift(database, collection, shardID, assignment, healthySet); err != nil {
				return healed, err
			} else if repaired {
				healed++
			}
			continue
		}

		// Nodes already carrying a live copy of this shard.
		carrying := map[string]bool{}
		if primaryHealthy {
			carrying[assignment.Primary] = true
		}
		for _, r := range healthyReplicas {
			carrying[r] = true
		}

		var available []string
		for _, n := range healthy {
			if !carrying[n] {
				available = append(available, n)
			}
		}
		if len(available) == 0 {
			c.logger.Debug().Uint32("shard", shardID).Msg("no nodes available to heal shard")
			continue
		}
		// Round-robin by shard id for distribution.
		target := available[int(shardID)%len(available)]

		source, ok := c.pickSource(assignment, primaryHealthy, healthyReplicas)
		if !ok {
			c.logger.Warn().Uint32("shard", shardID).Msg("no suitable source to heal shard")
			continue
		}

		if err := c.copyShard(source, target, database, collection, shardID); err != nil {
			c.logger.Error().Err(err).Uint32("shard", shardID).Str("source", source).Str("target", target).Msg("shard copy failed")
			continue
		}

		if !primaryHealthy {
			assignment.Primary = target
		} else {
			assignment.Replicas = append(healthyReplicas, target)
		}
		table.Assignments[shardID] = assignment
		changed = true
		healed++
		c.publish(events.EventShardHealed, database+"/"+collection)
		c.logger.Info().Uint32("shard", shardID).Str("target", target).Str("source", source).Msg("shard healed")
	}

	if changed {
		if err := c.persistTable(database, collection, table); err != nil {
			return healed, err
		}
		c.mu.Lock()
		c.tables[tableMapKey(database, collection)] = table
		c.mu.Unlock()
	}
	return healed, nil
}

// pickSource chooses where to copy shard data from: a healthy node that
// did not recently fail, falling back to recently failed nodes only
// when nothing better exists (they might carry stale data).
func (c *Coordinator) pickSource(assignment Assignment, primaryHealthy bool, healthyReplicas []string) (string, bool) {
	if primaryHealthy && !c.failures.WasRecentlyFailed(assignment.Primary) {
		return assignment.Primary, true
	}
	for _, r := range healthyReplicas {
		if !c.failures.WasRecentlyFailed(r) {
			return r, true
		}
	}
	if primaryHealthy {
		c.logger.Warn().Str("node", assignment.Primary).Msg("using recently failed primary as heal source")
		return assignment.Primary, true
	}
	if len(healthyReplicas) > 0 {
		c.logger.Warn().Str("node", healthyReplicas[0]).Msg("using recently failed replica as heal source")
		return healthyReplicas[0], true
	}
	return "", false
}

// reconcileReplicaDrift truncates and re-copies a local replica whose
// count strictly exceeds the primary's — the primary is authoritative,
// so a larger replica is carrying deleted leftovers.
func (c *Coordinator) reconcileReplicaDrift(database, collection string, shardID uint32, assignment Assignment, healthySet map[string]bool) (bool, error) {
	self := c.cluster.AdvertiseAddr()
	isReplica := false
	for _, r := range assignment.Replicas {
		if r == self {
			isReplica = true
			break
		}
	}
	if !isReplica || assignment.Primary == self || !healthySet[assignment.Primary] {
		return false, nil
	}
	physical := PhysicalShardName(collection, shardID)
	primaryCount, err := c.exporter.Count(assignment.Primary, database, physical)
	if err != nil {
		return false, err
	}
	localCount, err := LocalExporter{Eng: c.eng}.Count(self, database, physical)
	if err != nil || localCount <= primaryCount {
		return false, err
	}

	c.logger.Warn().
		Uint32("shard", shardID).
		Int64("local", localCount).
		Int64("primary", primaryCount).
		Msg("replica exceeds primary count, truncating and re-copying")
	db, ok := c.eng.Database(database)
	if !ok {
		return false, nil
	}
	if _, err := db.TruncateCollection(physical); err != nil {
		return false, err
	}
	if err := c.copyShard(assignment.Primary, self, database, collection, shardID); err != nil {
		return false, err
	}
	return true, nil
}

// copyShard streams a shard's documents from source into target's
// physical collection. Only copies landing on this node are made; a
// copy toward another target is skipped and returns nil, so the caller
// records that target in the table without any data having moved.
func (c *Coordinator) copyShard(source, target, database, collection string, shardID uint32) error {
	if target != c.cluster.AdvertiseAddr() {
		c.logger.Debug().Str("target", target).Msg("skipping remote copy; target node heals itself")
		return nil
	}
	physical := PhysicalShardName(collection, shardID)
	docs, err := c.exporter.Export(source, database, physical)
	if err != nil {
		return err
	}
	db, err := c.eng.EnsureDatabase(database)
	if err != nil {
		return err
	}
	coll, err := db.EnsureCollection(physical)
	if err != nil {
		return err
	}
	pairs := make(map[string]map[string]value.Value, len(docs))
	for _, data := range docs {
		if k, ok := data["_key"]; ok && k.Kind == value.KindString && k.Str != "" {
			pairs[k.Str] = data
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	_, err = coll.Store().UpsertBatch(pairs)
	return err
}
