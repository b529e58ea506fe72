package replication

import (
	"encoding/json"
	"sync"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/shard"
	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/log"
	"github.com/cuemby/solidb/pkg/metrics"
)

// OriginSequencesKey is the _system._config document persisting the
// highest applied sequence per origin node.
const OriginSequencesKey = "origin_sequences"

// Applier materializes remote entries into local collections: it
// deduplicates against per-origin applied sequences, batches
// insert/update payloads into upserts, filters sharded writes down to
// the shards this node is a replica of, and persists the origin
// checkpoint only after a fully successful batch.
type Applier struct {
	eng      *engine.Engine
	selfAddr string

	// mu serializes Apply so two inbound batches never race on
	// origin-sequence deduplication.
	mu sync.Mutex

	seqMu           sync.RWMutex
	originSequences map[string]uint64

	// clusterNodes returns the sorted-node-list input for shard
	// filtering: every known peer address plus our own.
	clusterNodes func() []string
}

// NewApplier loads the persisted origin checkpoints and returns an
// applier for eng. selfAddr is this node's replication address;
// clusterNodes supplies the current peer address list.
func NewApplier(eng *engine.Engine, selfAddr string, clusterNodes func() []string) *Applier {
	a := &Applier{eng: eng, selfAddr: selfAddr, originSequences: map[string]uint64{}, clusterNodes: clusterNodes}
	if data, ok, err := eng.ConfigGet(OriginSequencesKey); err == nil && ok {
		if seqs, found := data["sequences"]; found && seqs.Kind == value.KindObject {
			for node, v := range seqs.Object {
				if v.Kind == value.KindNumber {
					a.originSequences[node] = uint64(v.Number)
				}
			}
		}
	}
	return a
}

// AppliedSequence returns the highest applied sequence for origin.
func (a *Applier) AppliedSequence(origin string) uint64 {
	a.seqMu.RLock()
	defer a.seqMu.RUnlock()
	return a.originSequences[origin]
}

// SetAppliedSequence force-sets an origin checkpoint, used after a
// full-sync bootstrap so incremental sync does not replay history.
func (a *Applier) SetAppliedSequence(origin string, seq uint64) error {
	a.seqMu.Lock()
	a.originSequences[origin] = seq
	a.seqMu.Unlock()
	return a.persistOriginSequences()
}

func (a *Applier) persistOriginSequences() error {
	a.seqMu.RLock()
	seqs := make(map[string]value.Value, len(a.originSequences))
	for node, seq := range a.originSequences {
		seqs[node] = value.Number(float64(seq))
	}
	a.seqMu.RUnlock()
	return a.eng.ConfigPut(OriginSequencesKey, map[string]value.Value{"sequences": value.Object(seqs)})
}

// Apply applies a batch of remote entries. It returns true only if
// every applicable entry was applied; false inhibits the caller from
// advancing its received cursor, so the whole range is retried.
func (a *Applier) Apply(entries []Entry) bool {
	if len(entries) == 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplicationApplyDuration)

	// Exactly-once replay protection: drop everything at or below the
	// origin's applied checkpoint.
	a.seqMu.RLock()
	var fresh []Entry
	for _, e := range entries {
		if e.Sequence > a.originSequences[e.NodeID] {
			fresh = append(fresh, e)
		}
	}
	a.seqMu.RUnlock()
	if len(fresh) == 0 {
		return true
	}

	// Advance the local clock past every remote timestamp first, so
	// revisions minted during apply sort after the replicated ones.
	for _, e := range fresh {
		a.eng.Clock().Receive(e.HLC)
	}

	type collKey struct{ db, coll string }
	upserts := map[collKey]map[string]map[string]value.Value{}
	upsertSeqs := map[collKey]map[string]uint64{}
	var individual []Entry

	for _, e := range fresh {
		if (e.Operation == OpInsert || e.Operation == OpUpdate) && len(e.DocumentData) > 0 {
			data, err := decodeDocumentPayload(e.DocumentData)
			if err != nil {
				log.Logger.Warn().Err(err).Str("origin", e.NodeID).Uint64("seq", e.Sequence).Msg("skipping undecodable document payload")
				continue
			}
			k := collKey{e.Database, e.Collection}
			if upserts[k] == nil {
				upserts[k] = map[string]map[string]value.Value{}
				upsertSeqs[k] = map[string]uint64{}
			}
			upserts[k][e.DocumentKey] = data
			if e.Sequence > upsertSeqs[k][e.NodeID] {
				upsertSeqs[k][e.NodeID] = e.Sequence
			}
			continue
		}
		individual = append(individual, e)
	}

	maxApplied := map[string]uint64{}
	mark := func(origin string, seq uint64) {
		if seq > maxApplied[origin] {
			maxApplied[origin] = seq
		}
	}

	ok := true
	for k, docs := range upserts {
		if !a.applyUpsertBatch(k.db, k.coll, docs) {
			ok = false
			continue
		}
		for origin, seq := range upsertSeqs[k] {
			mark(origin, seq)
		}
	}

	for _, e := range individual {
		if a.applyOne(e) {
			mark(e.NodeID, e.Sequence)
		} else {
			ok = false
		}
	}

	if ok && len(maxApplied) > 0 {
		a.seqMu.Lock()
		for origin, seq := range maxApplied {
			if seq > a.originSequences[origin] {
				a.originSequences[origin] = seq
			}
		}
		a.seqMu.Unlock()
		for _, e := range fresh {
			if e.Sequence <= maxApplied[e.NodeID] {
				metrics.ReplicationEntriesAppliedTotal.WithLabelValues(e.NodeID).Inc()
			}
		}
		if err := a.persistOriginSequences(); err != nil {
			log.Logger.Error().Err(err).Msg("persisting origin sequences failed")
			ok = false
		}
	}
	return ok
}

// applyUpsertBatch performs the Insert/Update fast path for one
// collection, filtering sharded writes down to this node's shards.
func (a *Applier) applyUpsertBatch(dbName, collName string, docs map[string]map[string]value.Value) bool {
	db, err := a.eng.EnsureDatabase(dbName)
	if err != nil {
		return false
	}
	coll, err := db.EnsureCollection(collName)
	if err != nil {
		return false
	}

	cfg := coll.ShardConfig()
	if cfg.NumShards > 0 {
		nodes, myIndex, found := shard.SortedNodeIndex(a.clusterNodes(), a.selfAddr)
		if found {
			filtered := make(map[string]map[string]value.Value, len(docs))
			for key, data := range docs {
				shardID := shard.Route(routingKey(key, data, cfg), cfg.NumShards)
				if shard.IsShardReplica(shardID, myIndex, cfg.ReplicationFactor, len(nodes)) {
					filtered[key] = data
				}
			}
			docs = filtered
		}
	}
	if len(docs) == 0 {
		return true
	}
	_, err = coll.Store().UpsertBatch(docs)
	return err == nil
}

// routingKey picks the shard routing key: the configured shard key's
// field value when present, otherwise the document key.
func routingKey(docKey string, data map[string]value.Value, cfg document.ShardConfig) string {
	if cfg.ShardKey != "" && cfg.ShardKey != "_key" {
		if v, ok := data[cfg.ShardKey]; ok && v.Kind == value.KindString {
			return v.Str
		}
	}
	return docKey
}

// applyOne applies a non-batchable entry idempotently: already-exists
// on create and not-found on delete count as success.
func (a *Applier) applyOne(e Entry) bool {
	switch e.Operation {
	case OpCreateDatabase:
		err := a.eng.CreateDatabase(e.Database)
		return err == nil || errs.Is(err, errs.AlreadyExists)

	case OpDeleteDatabase:
		err := a.eng.DropDatabase(e.Database)
		return err == nil || errs.Is(err, errs.NotFound)

	case OpCreateCollection:
		db, err := a.eng.EnsureDatabase(e.Database)
		if err != nil {
			return false
		}
		cfg := document.Config{Name: e.Collection, Type: document.TypeDocument}
		if len(e.DocumentData) > 0 {
			var meta CreateCollectionMetadata
			if jerr := json.Unmarshal(e.DocumentData, &meta); jerr == nil {
				if meta.CollectionType != "" {
					cfg.Type = document.Type(meta.CollectionType)
				}
				cfg.Shard = document.ShardConfig{NumShards: meta.NumShards, ShardKey: meta.ShardKey, ReplicationFactor: meta.ReplicationFactor}
			}
		}
		_, err = db.CreateCollection(cfg)
		return err == nil || errs.Is(err, errs.AlreadyExists)

	case OpDeleteCollection:
		db, ok := a.eng.Database(e.Database)
		if !ok {
			return true
		}
		err := db.DropCollection(e.Collection)
		return err == nil || errs.Is(err, errs.NotFound)

	case OpTruncateCollection:
		db, ok := a.eng.Database(e.Database)
		if !ok {
			return true
		}
		_, err := db.TruncateCollection(e.Collection)
		return err == nil || errs.Is(err, errs.NotFound)

	case OpDelete:
		db, ok := a.eng.Database(e.Database)
		if !ok {
			return true
		}
		coll, ok := db.Collection(e.Collection)
		if !ok {
			return true
		}
		err := coll.Store().Delete(e.DocumentKey)
		return err == nil || errs.Is(err, errs.NotFound)

	case OpPutBlobChunk:
		if e.ChunkIndex == nil {
			return true
		}
		db, err := a.eng.EnsureDatabase(e.Database)
		if err != nil {
			return false
		}
		coll, err := db.EnsureCollection(e.Collection)
		if err != nil {
			return false
		}
		return coll.PutBlobChunk(e.DocumentKey, *e.ChunkIndex, e.DocumentData) == nil

	case OpDeleteBlob:
		db, ok := a.eng.Database(e.Database)
		if !ok {
			return true
		}
		coll, ok := db.Collection(e.Collection)
		if !ok {
			return true
		}
		return coll.DeleteBlob(e.DocumentKey) == nil

	default:
		// Insert/Update without payload, or an unknown future op: skip.
		return true
	}
}

// decodeDocumentPayload decodes an entry's JSON document body and
// strips every replicated system field except _key — the receiving
// store mints its own revision and timestamps.
func decodeDocumentPayload(raw []byte) (map[string]value.Value, error) {
	var v value.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	doc := document.FromValue(v)
	data := doc.Data
	if doc.Key != "" {
		data["_key"] = value.String(doc.Key)
	}
	return data, nil
}
