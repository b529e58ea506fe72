// Package replication implements the cluster replication core: the
// per-node append-only log, the line-delimited JSON peer protocol with
// HMAC challenge auth, the pull+push peer sync loops, full-sync
// bootstrap, and the shard-aware apply path with exactly-once replay
// protection.
package replication

import (
	"encoding/json"

	"github.com/cuemby/solidb/internal/hlc"
)

// Operation is the kind of mutation a replication entry carries.
type Operation string

const (
	OpInsert             Operation = "insert"
	OpUpdate             Operation = "update"
	OpDelete             Operation = "delete"
	OpCreateCollection   Operation = "create_collection"
	OpDeleteCollection   Operation = "delete_collection"
	OpTruncateCollection Operation = "truncate_collection"
	OpCreateDatabase     Operation = "create_database"
	OpDeleteDatabase     Operation = "delete_database"
	OpPutBlobChunk       Operation = "put_blob_chunk"
	OpDeleteBlob         Operation = "delete_blob"
)

// Entry is a single record in the replication log, keyed by
// (origin node, sequence) and stamped with the origin's HLC.
type Entry struct {
	Sequence     uint64        `json:"sequence"`
	NodeID       string        `json:"node_id"`
	HLC          hlc.Timestamp `json:"hlc"`
	Database     string        `json:"database"`
	Collection   string        `json:"collection"`
	Operation    Operation     `json:"operation"`
	DocumentKey  string        `json:"document_key"`
	DocumentData []byte        `json:"document_data,omitempty"`
	PrevRev      string        `json:"prev_rev,omitempty"`
	ChunkIndex   *uint32       `json:"chunk_index,omitempty"`
}

// CreateCollectionMetadata rides in DocumentData on a CreateCollection
// entry, so peers reconstruct the collection's type and shard config.
type CreateCollectionMetadata struct {
	CollectionType    string `json:"collection_type"`
	NumShards         uint32 `json:"num_shards,omitempty"`
	ShardKey          string `json:"shard_key,omitempty"`
	ReplicationFactor int    `json:"replication_factor,omitempty"`
}

func (e Entry) encode() ([]byte, error) { return json.Marshal(e) }

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(raw, &e)
	return e, err
}
