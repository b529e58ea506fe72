package document

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/hlc"
	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

const docPrefix = "DOC/"

func docKey(key string) []byte { return []byte(docPrefix + key) }

// Store is the per-collection document runtime: CRUD operations that
// fold every configured index Maintainer's contribution into one
// atomic kv.WriteBatch call per mutation, per the "single-batch
// atomicity across document + all its indexes" contract.
type Store struct {
	db     kv.Store
	cf     string
	config Config
	clock  *hlc.Clock

	// idxMu serializes index lifecycle (AddMaintainer/RemoveMaintainer)
	// against mutations and bulk builds, which snapshot the maintainer
	// set under the read lock.
	idxMu       sync.RWMutex
	maintainers []index.Maintainer
	vectors     map[string]*index.VectorIndex

	broadcast *Broadcast
	count     atomic.Int64
}

// NewStore constructs a Store over db's cf column family for config.
// maintainers is every KV-entry-backed index (hash/ordered/fulltext/
// geo/ttl) already registered for this collection; vector indexes are
// supplied separately since they are not Maintainers.
func NewStore(db kv.Store, cf string, config Config, clock *hlc.Clock, maintainers []index.Maintainer, vectors map[string]*index.VectorIndex) (*Store, error) {
	if err := db.OpenColumnFamily(cf); err != nil {
		return nil, err
	}
	if vectors == nil {
		vectors = map[string]*index.VectorIndex{}
	}
	s := &Store{db: db, cf: cf, config: config, clock: clock, maintainers: maintainers, vectors: vectors, broadcast: NewBroadcast()}
	return s, nil
}

// Broadcast returns the collection's change broadcast.
func (s *Store) Broadcast() *Broadcast { return s.broadcast }

// Config returns the collection's configuration.
func (s *Store) Config() Config { return s.config }

// Maintainers returns a snapshot of every KV-entry-backed index
// registered on this collection, for callers (the query planner, index
// administration) that need to inspect index descriptors.
func (s *Store) Maintainers() []index.Maintainer {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return append([]index.Maintainer(nil), s.maintainers...)
}

// Vectors returns the collection's in-memory vector indexes by name.
func (s *Store) Vectors() map[string]*index.VectorIndex {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	out := make(map[string]*index.VectorIndex, len(s.vectors))
	for name, v := range s.vectors {
		out[name] = v
	}
	return out
}

// AddMaintainer registers a newly built index. The caller (the engine's
// create-index path) must have already written the index's entries.
func (s *Store) AddMaintainer(m index.Maintainer) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.maintainers = append(s.maintainers, m)
}

// RemoveMaintainer deregisters the index named name, reporting whether
// it was present.
func (s *Store) RemoveMaintainer(name string) bool {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	for i, m := range s.maintainers {
		if m.Descriptor().Name == name {
			s.maintainers = append(s.maintainers[:i], s.maintainers[i+1:]...)
			return true
		}
	}
	return false
}

// AddVector registers an in-memory vector index.
func (s *Store) AddVector(name string, v *index.VectorIndex) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.vectors[name] = v
}

// RemoveVector deregisters the vector index named name.
func (s *Store) RemoveVector(name string) bool {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	_, ok := s.vectors[name]
	delete(s.vectors, name)
	return ok
}

func (s *Store) validated(data map[string]value.Value) ([]Violation, error) {
	return s.config.Schema.Validate(data)
}

// Insert generates a _key if absent, validates the schema, and writes
// one atomic batch containing the document plus every index entry
// covering its fields.
func (s *Store) Insert(data map[string]value.Value) (Document, []Violation, error) {
	warnings, err := s.validated(data)
	if err != nil {
		return Document{}, nil, err
	}

	key := ""
	if k, ok := data["_key"]; ok && k.Kind == value.KindString && k.Str != "" {
		key = k.Str
	} else {
		key = NewKey()
	}

	if _, exists, err := s.Get(key); err != nil {
		return Document{}, nil, err
	} else if exists {
		return Document{}, nil, errs.New(errs.AlreadyExists, fmt.Sprintf("document %q already exists", key))
	}

	now := nowMillis()
	doc := Document{
		Key:       key,
		ID:        s.config.Name + "/" + key,
		Rev:       NewRev(s.clock),
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}

	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	ops := []kv.Op{kv.Put(s.cf, docKey(key), mustEncode(doc))}
	for _, m := range s.maintainers {
		puts, deletes, err := m.ComputeInsert(key, doc.ToValue())
		if err != nil {
			return Document{}, nil, err
		}
		ops = append(ops, puts...)
		ops = append(ops, deletes...)
	}
	for _, v := range s.vectors {
		if err := v.UpsertFromDoc(key, doc.ToValue()); err != nil {
			return Document{}, nil, err
		}
	}

	if err := s.db.WriteBatch(ops); err != nil {
		return Document{}, nil, err
	}
	s.count.Add(1)
	s.broadcast.Publish(&Change{Type: ChangeInsert, Key: key, Data: doc})
	return doc, warnings, nil
}

// InsertBatch inserts every value in one atomic batch, under the same
// contract as Insert: a duplicate _key — already stored or repeated
// within the batch — rejects the whole call with nothing written.
func (s *Store) InsertBatch(values []map[string]value.Value) ([]Document, error) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	var ops []kv.Op
	var docs []Document
	seen := make(map[string]bool, len(values))
	now := nowMillis()
	for _, data := range values {
		if _, err := s.validated(data); err != nil {
			return nil, err
		}
		key := ""
		if k, ok := data["_key"]; ok && k.Kind == value.KindString && k.Str != "" {
			key = k.Str
		} else {
			key = NewKey()
		}
		if seen[key] {
			return nil, errs.New(errs.AlreadyExists, fmt.Sprintf("duplicate key %q in batch", key))
		}
		seen[key] = true
		if _, exists, err := s.Get(key); err != nil {
			return nil, err
		} else if exists {
			return nil, errs.New(errs.AlreadyExists, fmt.Sprintf("document %q already exists", key))
		}
		doc := Document{Key: key, ID: s.config.Name + "/" + key, Rev: NewRev(s.clock), CreatedAt: now, UpdatedAt: now, Data: data}
		ops = append(ops, kv.Put(s.cf, docKey(key), mustEncode(doc)))
		for _, m := range s.maintainers {
			puts, deletes, err := m.ComputeInsert(key, doc.ToValue())
			if err != nil {
				return nil, err
			}
			ops = append(ops, puts...)
			ops = append(ops, deletes...)
		}
		docs = append(docs, doc)
	}
	if err := s.db.WriteBatch(ops); err != nil {
		return nil, err
	}
	for _, doc := range docs {
		for _, v := range s.vectors {
			_ = v.UpsertFromDoc(doc.Key, doc.ToValue())
		}
		s.count.Add(1)
		s.broadcast.Publish(&Change{Type: ChangeInsert, Key: doc.Key, Data: doc})
	}
	return docs, nil
}

// Update reads the current document, merges changes shallowly (nested
// objects replaced wholesale, not deep-merged) unless replace is true,
// validates and checks unique constraints against the new image, and
// writes one batch of the changed index entries.
func (s *Store) Update(key string, changes map[string]value.Value, replace bool) (Document, error) {
	old, ok, err := s.Get(key)
	if err != nil {
		return Document{}, err
	}
	if !ok {
		return Document{}, errs.New(errs.NotFound, fmt.Sprintf("document %q not found", key))
	}

	newData := changes
	if !replace {
		newData = make(map[string]value.Value, len(old.Data)+len(changes))
		for k, v := range old.Data {
			newData[k] = v
		}
		for k, v := range changes {
			newData[k] = v
		}
	}
	if _, err := s.validated(newData); err != nil {
		return Document{}, err
	}

	updated := Document{
		Key:       key,
		ID:        old.ID,
		Rev:       NewRev(s.clock),
		CreatedAt: old.CreatedAt,
		UpdatedAt: nowMillis(),
		Data:      newData,
	}

	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	ops := []kv.Op{kv.Put(s.cf, docKey(key), mustEncode(updated))}
	for _, m := range s.maintainers {
		puts, deletes, err := m.ComputeUpdate(key, old.ToValue(), updated.ToValue())
		if err != nil {
			return Document{}, err
		}
		ops = append(ops, puts...)
		ops = append(ops, deletes...)
	}
	if err := s.db.WriteBatch(ops); err != nil {
		return Document{}, err
	}
	for _, v := range s.vectors {
		_ = v.UpsertFromDoc(key, updated.ToValue())
	}
	s.broadcast.Publish(&Change{Type: ChangeUpdate, Key: key, Data: updated})
	return updated, nil
}

// UpsertBatch inserts absent keys and replaces present ones, returning
// the keys that succeeded — callers supply complete document images
// (replication apply, full sync, shard migration), so a replace is the
// last-write-wins behavior they rely on.
func (s *Store) UpsertBatch(pairs map[string]map[string]value.Value) ([]string, error) {
	var succeeded []string
	for key, data := range pairs {
		data["_key"] = value.String(key)
		_, exists, err := s.Get(key)
		if err != nil {
			continue
		}
		if exists {
			if _, err := s.Update(key, data, true); err != nil {
				continue
			}
		} else if _, _, err := s.Insert(data); err != nil {
			continue
		}
		succeeded = append(succeeded, key)
	}
	return succeeded, nil
}

// Delete reads the document image to locate its index entries, then
// writes one batch of deletions.
func (s *Store) Delete(key string) error {
	doc, ok, err := s.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("document %q not found", key))
	}

	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	ops := []kv.Op{kv.Del(s.cf, docKey(key))}
	for _, m := range s.maintainers {
		_, deletes, err := m.ComputeDelete(key, doc.ToValue())
		if err != nil {
			return err
		}
		ops = append(ops, deletes...)
	}
	if err := s.db.WriteBatch(ops); err != nil {
		return err
	}
	for _, v := range s.vectors {
		v.Delete(key)
	}
	s.count.Add(-1)
	s.broadcast.Publish(&Change{Type: ChangeDelete, Key: key})
	return nil
}

// DeleteBatch deletes every key in one atomic batch, skipping keys that
// do not exist.
func (s *Store) DeleteBatch(keys []string) error {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	var ops []kv.Op
	var found []string
	for _, key := range keys {
		doc, ok, err := s.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ops = append(ops, kv.Del(s.cf, docKey(key)))
		for _, m := range s.maintainers {
			_, deletes, err := m.ComputeDelete(key, doc.ToValue())
			if err != nil {
				return err
			}
			ops = append(ops, deletes...)
		}
		found = append(found, key)
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.db.WriteBatch(ops); err != nil {
		return err
	}
	for _, key := range found {
		for _, v := range s.vectors {
			v.Delete(key)
		}
		s.count.Add(-1)
		s.broadcast.Publish(&Change{Type: ChangeDelete, Key: key})
	}
	return nil
}

// Truncate range-deletes the document prefix and every index prefix,
// preserving index definitions and shard config. Returns the number of
// documents removed.
func (s *Store) Truncate() (int, error) {
	n := int(s.count.Load())
	if err := s.db.RangeDelete(s.cf, []byte(docPrefix), kv.PrefixUpperBound([]byte(docPrefix))); err != nil {
		return 0, err
	}
	for _, prefix := range []string{"IDX/", "FT_TERM/", "FT/", "GEO/", "TTL_EXP/", "BLO/", "CFO/", "VEC_DATA/"} {
		if err := s.db.RangeDelete(s.cf, []byte(prefix), kv.PrefixUpperBound([]byte(prefix))); err != nil {
			return 0, err
		}
	}
	s.idxMu.Lock()
	for name, v := range s.vectors {
		s.vectors[name] = index.NewVectorIndex(v.Descriptor())
	}
	for _, m := range s.maintainers {
		if oi, ok := m.(*index.OrderedIndex); ok {
			oi.ResetAccelerator()
		}
	}
	s.idxMu.Unlock()
	s.count.Store(0)
	return n, nil
}

// Get reads a single document by key.
func (s *Store) Get(key string) (Document, bool, error) {
	raw, ok, err := s.db.Get(s.cf, docKey(key))
	if err != nil || !ok {
		return Document{}, false, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// GetMany reads multiple documents by key, omitting any that are absent.
func (s *Store) GetMany(keys []string) ([]Document, error) {
	raws, err := s.db.MultiGet(s.cf, keysToDocKeys(keys))
	if err != nil {
		return nil, err
	}
	var docs []Document
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func keysToDocKeys(keys []string) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = docKey(k)
	}
	return out
}

// All returns every live document, a full prefix scan of DOC/.
func (s *Store) All() ([]Document, error) {
	return s.Scan(0)
}

// Scan returns up to limit documents (0 means unbounded).
func (s *Store) Scan(limit int) ([]Document, error) {
	var docs []Document
	prefix := []byte(docPrefix)
	err := s.db.PrefixIterate(s.cf, prefix, func(e kv.Entry) bool {
		doc, derr := decodeDocument(e.Value)
		if derr == nil {
			docs = append(docs, doc)
		}
		return limit <= 0 || len(docs) < limit
	})
	return docs, err
}

// Count returns the cached document counter.
func (s *Store) Count() int64 { return s.count.Load() }

// RecountDocuments rescans DOC/ and repairs the cached counter.
func (s *Store) RecountDocuments() (int64, error) {
	var n int64
	err := s.db.PrefixIterate(s.cf, []byte(docPrefix), func(kv.Entry) bool {
		n++
		return true
	})
	if err != nil {
		return 0, err
	}
	s.count.Store(n)
	return n, nil
}

func mustEncode(doc Document) []byte {
	data, err := encodeDocument(doc)
	if err != nil {
		panic(err)
	}
	return data
}
