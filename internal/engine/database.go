package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/pkg/events"
)

// collectionMeta is the persisted catalog record for one collection.
type collectionMeta struct {
	Database string               `json:"database"`
	Name     string               `json:"name"`
	Type     document.Type        `json:"type"`
	Schema   document.Schema      `json:"schema"`
	Shard    document.ShardConfig `json:"shard"`
	Indexes  []index.Descriptor   `json:"indexes,omitempty"`
}

// Database is a named container of collections backed by the engine's
// persisted catalog.
type Database struct {
	eng  *Engine
	name string

	mu          sync.RWMutex
	collections map[string]*Collection
}

func newDatabase(eng *Engine, name string) *Database {
	return &Database{eng: eng, name: name, collections: map[string]*Collection{}}
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

func (d *Database) collCatalogKey(coll string) []byte {
	return []byte(collKeyPrefix + d.name + "/" + coll)
}

// cfName is the column family naming scheme: one logical family per
// collection.
func (d *Database) cfName(coll string) string {
	return d.name + ":" + coll
}

// CreateCollection creates and persists a collection with the given
// config (name, type, schema, shard configuration).
func (d *Database) CreateCollection(cfg document.Config) (*Collection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.collections[cfg.Name]; exists {
		return nil, errs.New(errs.AlreadyExists, fmt.Sprintf("collection %q already exists", cfg.Name))
	}
	meta := collectionMeta{Database: d.name, Name: cfg.Name, Type: cfg.Type, Schema: cfg.Schema, Shard: cfg.Shard}
	coll, err := d.buildCollection(meta)
	if err != nil {
		return nil, err
	}
	if err := d.persistMeta(meta); err != nil {
		return nil, err
	}
	d.collections[cfg.Name] = coll
	d.eng.publish(events.EventCollectionCreated, d.name+"/"+cfg.Name, nil)
	return coll, nil
}

// EnsureCollection returns the named collection, creating a plain
// document collection if absent — the idempotent form the replication
// apply path and full-sync receiver use.
func (d *Database) EnsureCollection(name string) (*Collection, error) {
	if coll, ok := d.Collection(name); ok {
		return coll, nil
	}
	coll, err := d.CreateCollection(document.Config{Name: name, Type: document.TypeDocument})
	if err != nil {
		if errs.Is(err, errs.AlreadyExists) {
			coll, _ := d.Collection(name)
			return coll, nil
		}
		return nil, err
	}
	return coll, nil
}

// openCollection reconstructs a collection from its persisted catalog
// record at engine load.
func (d *Database) openCollection(meta collectionMeta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll, err := d.buildCollection(meta)
	if err != nil {
		return err
	}
	d.collections[meta.Name] = coll
	if _, err := coll.store.RecountDocuments(); err != nil {
		return err
	}
	return nil
}

func (d *Database) buildCollection(meta collectionMeta) (*Collection, error) {
	cf := d.cfName(meta.Name)
	var maintainers []index.Maintainer
	vectors := map[string]*index.VectorIndex{}
	for _, desc := range meta.Indexes {
		if desc.Kind == index.KindVector {
			vec, err := d.loadVector(cf, desc)
			if err != nil {
				return nil, err
			}
			vectors[desc.Name] = vec
			continue
		}
		maintainers = append(maintainers, maintainerFor(d.eng.store, cf, desc))
	}
	store, err := document.NewStore(d.eng.store, cf, document.Config{Name: meta.Name, Type: meta.Type, Schema: meta.Schema, Shard: meta.Shard}, d.eng.clock, maintainers, vectors)
	if err != nil {
		return nil, err
	}
	return &Collection{db: d, meta: meta, cf: cf, store: store, runtime: document.NewCollectionRuntime(meta.Name, store)}, nil
}

func (d *Database) loadVector(cf string, desc index.Descriptor) (*index.VectorIndex, error) {
	blob, ok, err := d.eng.store.Get(cf, []byte("VEC_DATA/"+desc.Name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return index.NewVectorIndex(desc), nil
	}
	return index.LoadVectorIndex(desc, blob)
}

func (d *Database) persistMeta(meta collectionMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return d.eng.store.Put(catalogCF, d.collCatalogKey(meta.Name), raw)
}

// DropCollection removes a collection: its column family, its catalog
// record, and all its index entries along with it.
func (d *Database) DropCollection(name string) error {
	d.mu.Lock()
	coll, exists := d.collections[name]
	if !exists {
		d.mu.Unlock()
		return errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", name))
	}
	delete(d.collections, name)
	d.mu.Unlock()

	if err := d.eng.store.DropColumnFamily(coll.cf); err != nil {
		return err
	}
	if err := d.eng.store.Delete(catalogCF, d.collCatalogKey(name)); err != nil {
		return err
	}
	d.eng.publish(events.EventCollectionDropped, d.name+"/"+name, nil)
	return nil
}

// TruncateCollection removes every document and index entry but keeps
// the collection, its index definitions, and its shard config.
func (d *Database) TruncateCollection(name string) (int, error) {
	coll, ok := d.Collection(name)
	if !ok {
		return 0, errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", name))
	}
	return coll.store.Truncate()
}

// Collection resolves a collection by name.
func (d *Database) Collection(name string) (*Collection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	coll, ok := d.collections[name]
	return coll, ok
}

// CollectionNames returns every collection name in this database.
func (d *Database) CollectionNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.collections))
	for n := range d.collections {
		names = append(names, n)
	}
	return names
}

// Runtime builds the query executor's view of this database: a
// document.Database registry of every collection runtime.
func (d *Database) Runtime() *document.Database {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg := document.NewDatabase(d.name)
	for _, coll := range d.collections {
		reg.Register(coll.runtime)
	}
	return reg
}

// maintainerFor constructs the Maintainer for a KV-entry-backed index
// descriptor.
func maintainerFor(store kv.Store, cf string, desc index.Descriptor) index.Maintainer {
	switch desc.Kind {
	case index.KindFullText:
		return index.NewFullTextIndex(store, cf, desc)
	case index.KindGeo:
		return index.NewGeoIndex(store, cf, desc)
	case index.KindTTL:
		return index.NewTTLIndex(store, cf, desc)
	default: // hash and ordered share the entry layout
		return index.NewOrderedIndex(store, cf, desc)
	}
}
