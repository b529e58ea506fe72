// Package syncstore is the offline-capable client store: a local
// embedded KV holding synchronized documents, a bounded queue of
// pending local changes awaiting upload, sync metadata, and collection
// subscriptions.
package syncstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/kv"
)

const (
	documentsCF     = "documents"
	pendingCF       = "pending_changes"
	metaCF          = "sync_metadata"
	subscriptionsCF = "subscriptions"

	deviceIDKey       = "device_id"
	lastSyncVectorKey = "last_sync_vector"
	nextChangeIDKey   = "next_change_id"
)

// StoredDocument is one locally held document with its synchronization
// state.
type StoredDocument struct {
	Collection    string            `json:"collection"`
	Key           string            `json:"key"`
	Data          json.RawMessage   `json:"data"`
	VersionVector map[string]uint64 `json:"version_vector,omitempty"`
	ModifiedAt    int64             `json:"modified_at"`
	IsDeleted     bool              `json:"is_deleted,omitempty"`
}

// Subscription is a collection the client mirrors, with an optional
// server-side filter query.
type Subscription struct {
	Collection string `json:"collection"`
	Filter     string `json:"filter,omitempty"`
}

// Store is the client-side local store. All operations are safe for
// concurrent use.
type Store struct {
	db       kv.Store
	deviceID string

	mu           sync.Mutex
	nextChangeID uint64
	stats        QueueStats
}

// Open opens (creating if needed) the local store at path. deviceID is
// generated and persisted on first open if empty.
func Open(path, deviceID string) (*Store, error) {
	db, err := kv.Open(path)
	if err != nil {
		return nil, err
	}
	return newStore(db, deviceID)
}

func newStore(db kv.Store, deviceID string) (*Store, error) {
	for _, cf := range []string{documentsCF, pendingCF, metaCF, subscriptionsCF} {
		if err := db.OpenColumnFamily(cf); err != nil {
			return nil, err
		}
	}
	s := &Store{db: db}

	saved, ok, err := db.Get(metaCF, []byte(deviceIDKey))
	if err != nil {
		return nil, err
	}
	switch {
	case ok:
		s.deviceID = string(saved)
	case deviceID != "":
		s.deviceID = deviceID
	default:
		s.deviceID = uuid.NewString()
	}
	if !ok {
		if err := db.Put(metaCF, []byte(deviceIDKey), []byte(s.deviceID)); err != nil {
			return nil, err
		}
	}

	if raw, ok, err := db.Get(metaCF, []byte(nextChangeIDKey)); err != nil {
		return nil, err
	} else if ok {
		fmt.Sscanf(string(raw), "%d", &s.nextChangeID)
	}
	if err := s.recountQueue(); err != nil {
		return nil, err
	}
	return s, nil
}

// DeviceID returns this client's stable device identifier.
func (s *Store) DeviceID() string { return s.deviceID }

// Close closes the underlying KV store.
func (s *Store) Close() error { return s.db.Close() }

func docStoreKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

// PutDocument stores or replaces a local document.
func (s *Store) PutDocument(doc StoredDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Put(documentsCF, docStoreKey(doc.Collection, doc.Key), raw)
}

// GetDocument reads one local document. Tombstoned documents are
// returned with IsDeleted set; callers decide whether to surface them.
func (s *Store) GetDocument(collection, key string) (StoredDocument, bool, error) {
	raw, ok, err := s.db.Get(documentsCF, docStoreKey(collection, key))
	if err != nil || !ok {
		return StoredDocument{}, false, err
	}
	var doc StoredDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return StoredDocument{}, false, err
	}
	return doc, true, nil
}

// DeleteDocument tombstones a local document, keeping its version
// vector so the deletion can be synchronized.
func (s *Store) DeleteDocument(collection, key string, modifiedAt int64) error {
	doc, ok, err := s.GetDocument(collection, key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("document %s/%s not found", collection, key))
	}
	doc.IsDeleted = true
	doc.ModifiedAt = modifiedAt
	doc.Data = nil
	return s.PutDocument(doc)
}

// ListDocuments returns every live document in a collection.
func (s *Store) ListDocuments(collection string) ([]StoredDocument, error) {
	var out []StoredDocument
	prefix := []byte(collection + "/")
	err := s.db.PrefixIterate(documentsCF, prefix, func(e kv.Entry) bool {
		var doc StoredDocument
		if json.Unmarshal(e.Value, &doc) == nil && !doc.IsDeleted {
			out = append(out, doc)
		}
		return true
	})
	return out, err
}

// AllVersions returns key -> version vector for a collection, the
// client's input to delta sync.
func (s *Store) AllVersions(collection string) (map[string]map[string]uint64, error) {
	out := map[string]map[string]uint64{}
	prefix := []byte(collection + "/")
	err := s.db.PrefixIterate(documentsCF, prefix, func(e kv.Entry) bool {
		var doc StoredDocument
		if json.Unmarshal(e.Value, &doc) == nil {
			out[doc.Key] = doc.VersionVector
		}
		return true
	})
	return out, err
}

// ListCollections returns every collection with at least one local
// document.
func (s *Store) ListCollections() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := s.db.PrefixIterate(documentsCF, nil, func(e kv.Entry) bool {
		if i := strings.IndexByte(string(e.Key), '/'); i > 0 {
			name := string(e.Key[:i])
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		return true
	})
	return out, err
}

// SetMetadata stores one sync_metadata key/value pair.
func (s *Store) SetMetadata(key, val string) error {
	return s.db.Put(metaCF, []byte(key), []byte(val))
}

// GetMetadata reads one sync_metadata value.
func (s *Store) GetMetadata(key string) (string, bool, error) {
	raw, ok, err := s.db.Get(metaCF, []byte(key))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// LastSyncVector returns the persisted sync vector from the last
// completed sync, if any.
func (s *Store) LastSyncVector() (string, bool, error) {
	return s.GetMetadata(lastSyncVectorKey)
}

// SetLastSyncVector persists the sync vector after a completed sync.
func (s *Store) SetLastSyncVector(vector string) error {
	return s.SetMetadata(lastSyncVectorKey, vector)
}

// SubscribeCollection registers a collection subscription with an
// optional filter.
func (s *Store) SubscribeCollection(collection, filter string) error {
	raw, err := json.Marshal(Subscription{Collection: collection, Filter: filter})
	if err != nil {
		return err
	}
	return s.db.Put(subscriptionsCF, []byte(collection), raw)
}

// UnsubscribeCollection removes a subscription.
func (s *Store) UnsubscribeCollection(collection string) error {
	return s.db.Delete(subscriptionsCF, []byte(collection))
}

// Subscriptions returns every registered subscription.
func (s *Store) Subscriptions() ([]Subscription, error) {
	var out []Subscription
	err := s.db.PrefixIterate(subscriptionsCF, nil, func(e kv.Entry) bool {
		var sub Subscription
		if json.Unmarshal(e.Value, &sub) == nil {
			out = append(out, sub)
		}
		return true
	})
	return out, err
}
