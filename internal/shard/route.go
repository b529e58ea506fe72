// Package shard implements deterministic shard routing, the persisted
// shard assignment table, rebalancing, and replica healing. Routing is
// a pair of pure functions evaluated identically on every node; no
// node ever asks another where a key lives.
package shard

import (
	"hash/fnv"
	"strconv"

	"golang.org/x/exp/slices"
)

// Route maps a routing key onto one of numShards shards with a stable
// hash. Every node must compute the same shard for the same key, so the
// hash is fixed (FNV-1a) rather than seeded.
func Route(key string, numShards uint32) uint32 {
	if numShards == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return uint32(h.Sum64() % uint64(numShards))
}

// IsShardReplica reports whether the node at myIndex (in the sorted
// node list) carries shardID: the RF-length ring segment starting at
// shardID mod numNodes.
func IsShardReplica(shardID uint32, myIndex, replicationFactor, numNodes int) bool {
	if numNodes == 0 {
		return false
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	if replicationFactor > numNodes {
		replicationFactor = numNodes
	}
	start := int(shardID) % numNodes
	for i := 0; i < replicationFactor; i++ {
		if (start+i)%numNodes == myIndex {
			return true
		}
	}
	return false
}

// SortedNodeIndex returns nodes sorted plus the position of self in it,
// the shared preamble of every routing decision. ok is false when self
// is not in the list.
func SortedNodeIndex(nodes []string, self string) (sorted []string, myIndex int, ok bool) {
	sorted = append([]string(nil), nodes...)
	if !slices.Contains(sorted, self) {
		sorted = append(sorted, self)
	}
	slices.Sort(sorted)
	myIndex = slices.Index(sorted, self)
	return sorted, myIndex, myIndex >= 0
}

// PhysicalShardName returns the physical collection name backing one
// shard of a logical collection.
func PhysicalShardName(collection string, shardID uint32) string {
	return collection + "_s" + strconv.FormatUint(uint64(shardID), 10)
}
