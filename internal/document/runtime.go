package document

import (
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/value"
)

// CollectionRuntime adapts a Store plus its registered indexes onto the
// narrow, value.Value-shaped contract the query executor (internal/query)
// is written against. It is the "capability" the planner inspects to
// decide between a full scan and an index-assisted access path.
type CollectionRuntime struct {
	name  string
	store *Store
}

// NewCollectionRuntime wraps store for query-executor consumption.
func NewCollectionRuntime(name string, store *Store) *CollectionRuntime {
	return &CollectionRuntime{name: name, store: store}
}

// Name returns the collection name.
func (c *CollectionRuntime) Name() string { return c.name }

// Store exposes the wrapped Store for callers that need the full CRUD
// surface (migrations, admin tooling) rather than the executor's view.
func (c *CollectionRuntime) Store() *Store { return c.store }

// All returns every live document as a value.Value.
func (c *CollectionRuntime) All() ([]value.Value, error) {
	docs, err := c.store.All()
	if err != nil {
		return nil, err
	}
	return docsToValues(docs), nil
}

// Scan returns up to limit documents.
func (c *CollectionRuntime) Scan(limit int) ([]value.Value, error) {
	docs, err := c.store.Scan(limit)
	if err != nil {
		return nil, err
	}
	return docsToValues(docs), nil
}

// Get reads a single document by key.
func (c *CollectionRuntime) Get(key string) (value.Value, bool, error) {
	doc, ok, err := c.store.Get(key)
	if err != nil || !ok {
		return value.Null(), ok, err
	}
	return doc.ToValue(), true, nil
}

// FetchByKeys resolves index-lookup candidate keys to document images,
// in the order given, silently skipping keys whose document is gone
// (e.g. a stale index entry briefly observed mid-mutation).
func (c *CollectionRuntime) FetchByKeys(keys []string) ([]value.Value, error) {
	out := make([]value.Value, 0, len(keys))
	for _, k := range keys {
		doc, ok, err := c.store.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc.ToValue())
		}
	}
	return out, nil
}

// Insert inserts doc (an object Value, as produced by an INSERT clause
// or a RETURN-carrying row) into the collection.
func (c *CollectionRuntime) Insert(doc value.Value) (value.Value, error) {
	if doc.Kind != value.KindObject {
		return value.Null(), errs.New(errs.InvalidDocument, "INSERT value must be an object")
	}
	data := make(map[string]value.Value, len(doc.Object))
	for k, v := range doc.Object {
		data[k] = v
	}
	inserted, _, err := c.store.Insert(data)
	if err != nil {
		return value.Null(), err
	}
	return inserted.ToValue(), nil
}

// InsertBatch inserts every object in docs through the store's bulk
// path: one atomic batch, all-or-nothing on a duplicate key. The
// executor's INSERT clause collects its row set's documents into one
// call here.
func (c *CollectionRuntime) InsertBatch(docs []value.Value) ([]value.Value, error) {
	batch := make([]map[string]value.Value, 0, len(docs))
	for _, doc := range docs {
		if doc.Kind != value.KindObject {
			return nil, errs.New(errs.InvalidDocument, "INSERT value must be an object")
		}
		data := make(map[string]value.Value, len(doc.Object))
		for k, v := range doc.Object {
			data[k] = v
		}
		batch = append(batch, data)
	}
	inserted, err := c.store.InsertBatch(batch)
	if err != nil {
		return nil, err
	}
	return docsToValues(inserted), nil
}

// Update merges (or replaces, per replace) changes into the document
// identified by key.
func (c *CollectionRuntime) Update(key string, changes value.Value, replace bool) (value.Value, error) {
	if changes.Kind != value.KindObject {
		return value.Null(), errs.New(errs.InvalidDocument, "UPDATE changes must be an object")
	}
	data := make(map[string]value.Value, len(changes.Object))
	for k, v := range changes.Object {
		data[k] = v
	}
	updated, err := c.store.Update(key, data, replace)
	if err != nil {
		return value.Null(), err
	}
	return updated.ToValue(), nil
}

// Remove deletes the document identified by key.
func (c *CollectionRuntime) Remove(key string) error {
	return c.store.Delete(key)
}

// IndexOn returns the single-field ordered/hash index maintained on
// field, if one exists — the capability the planner's access-path
// selection consults.
func (c *CollectionRuntime) IndexOn(field string) (*index.OrderedIndex, bool) {
	for _, m := range c.store.Maintainers() {
		oi, ok := m.(*index.OrderedIndex)
		if !ok {
			continue
		}
		d := oi.Descriptor()
		if len(d.Fields) == 1 && d.Fields[0] == field {
			return oi, true
		}
	}
	return nil, false
}

// FullTextIndexByName returns the full-text index named name.
func (c *CollectionRuntime) FullTextIndexByName(name string) (*index.FullTextIndex, bool) {
	for _, m := range c.store.Maintainers() {
		if ft, ok := m.(*index.FullTextIndex); ok && ft.Descriptor().Name == name {
			return ft, true
		}
	}
	return nil, false
}

// GeoIndexByName returns the geo index named name.
func (c *CollectionRuntime) GeoIndexByName(name string) (*index.GeoIndex, bool) {
	for _, m := range c.store.Maintainers() {
		if gi, ok := m.(*index.GeoIndex); ok && gi.Descriptor().Name == name {
			return gi, true
		}
	}
	return nil, false
}

// VectorIndexByName returns the vector index named name.
func (c *CollectionRuntime) VectorIndexByName(name string) (*index.VectorIndex, bool) {
	vi, ok := c.store.Vectors()[name]
	return vi, ok
}

func docsToValues(docs []Document) []value.Value {
	out := make([]value.Value, len(docs))
	for i, d := range docs {
		out[i] = d.ToValue()
	}
	return out
}

// Database is a named registry of CollectionRuntimes, the query
// executor's view of "all collections in one database".
type Database struct {
	Name        string
	collections map[string]*CollectionRuntime
}

// NewDatabase constructs an empty registry.
func NewDatabase(name string) *Database {
	return &Database{Name: name, collections: map[string]*CollectionRuntime{}}
}

// Register adds (or replaces) a collection runtime.
func (d *Database) Register(rt *CollectionRuntime) {
	d.collections[rt.Name()] = rt
}

// Collection resolves a collection by name.
func (d *Database) Collection(name string) (*CollectionRuntime, bool) {
	rt, ok := d.collections[name]
	return rt, ok
}

// CollectionNames returns every registered collection name.
func (d *Database) CollectionNames() []string {
	names := make([]string, 0, len(d.collections))
	for n := range d.collections {
		names = append(names, n)
	}
	return names
}
