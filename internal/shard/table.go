package shard

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Assignment names the nodes carrying one shard.
type Assignment struct {
	Primary  string   `json:"primary"`
	Replicas []string `json:"replicas,omitempty"`
}

// Table is the persisted shard assignment table for one logical
// collection: shard_id -> (primary, replicas). Modeled as a flat map
// keyed by shard id, never by back-pointers between nodes.
type Table struct {
	NumShards         uint32                `json:"num_shards"`
	ReplicationFactor int                   `json:"replication_factor"`
	Assignments       map[uint32]Assignment `json:"assignments"`
}

// NewTable returns an empty table.
func NewTable(numShards uint32, rf int) Table {
	return Table{NumShards: numShards, ReplicationFactor: rf, Assignments: map[uint32]Assignment{}}
}

// BuildBalancedTable assigns every shard round-robin over the sorted
// node list: primary at shard_id mod N, replicas on the following
// nodes. Evaluated identically on every node, so tables never diverge.
func BuildBalancedTable(numShards uint32, rf int, nodes []string) Table {
	table := NewTable(numShards, rf)
	if len(nodes) == 0 {
		return table
	}
	sorted := append([]string(nil), nodes...)
	slices.Sort(sorted)

	for shardID := uint32(0); shardID < numShards; shardID++ {
		primaryIdx := int(shardID) % len(sorted)
		assignment := Assignment{Primary: sorted[primaryIdx]}
		for i := 1; i < rf; i++ {
			replicaIdx := (primaryIdx + i) % len(sorted)
			if replicaIdx == primaryIdx {
				break // rf exceeds node count; do not double-assign
			}
			assignment.Replicas = append(assignment.Replicas, sorted[replicaIdx])
		}
		table.Assignments[shardID] = assignment
	}
	return table
}

// NodesFor returns every node carrying shardID.
func (t Table) NodesFor(shardID uint32) []string {
	a, ok := t.Assignments[shardID]
	if !ok {
		return nil
	}
	return append([]string{a.Primary}, a.Replicas...)
}

// ShardIDs returns the table's shard ids, sorted.
func (t Table) ShardIDs() []uint32 {
	ids := maps.Keys(t.Assignments)
	slices.Sort(ids)
	return ids
}

// Encode serializes the table for _system._config persistence.
func (t Table) Encode() ([]byte, error) { return json.Marshal(t) }

// DecodeTable is Encode's inverse.
func DecodeTable(raw []byte) (Table, error) {
	var t Table
	if err := json.Unmarshal(raw, &t); err != nil {
		return Table{}, fmt.Errorf("corrupt shard table: %w", err)
	}
	if t.Assignments == nil {
		t.Assignments = map[uint32]Assignment{}
	}
	return t, nil
}

// TableKey is the _system._config key for a collection's shard table.
func TableKey(database, collection string) string {
	return "shard_table:" + database + "." + collection
}
