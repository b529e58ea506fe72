// Package engine owns the process-wide storage handle: the KV store,
// the HLC generator, and the catalog of databases and collections. It
// is constructed once at startup and torn down in reverse order on
// shutdown; everything above it (query executor, replication service,
// shard coordinator) borrows from this handle rather than opening its
// own storage.
package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/hlc"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/events"
	"github.com/cuemby/solidb/pkg/log"
)

const (
	// SystemDatabase holds cluster-wide persisted metadata.
	SystemDatabase = "_system"
	// ConfigCollection is the _system collection carrying saved peers,
	// origin-sequence checkpoints, and shard tables.
	ConfigCollection = "_config"

	catalogCF     = "_catalog"
	dbKeyPrefix   = "db/"
	collKeyPrefix = "coll/"
)

// Engine is the storage-engine root: one KV store, one HLC clock, and
// the database catalog. All catalog mutations are persisted to the
// _catalog column family so a restart reconstructs the same tree.
type Engine struct {
	store  kv.Store
	clock  *hlc.Clock
	broker *events.Broker

	mu        sync.RWMutex
	databases map[string]*Database
}

// Open opens (creating if needed) an engine at dir/solidb.db for the
// given node id, loads the persisted catalog, and ensures the _system
// database and its _config collection exist.
func Open(dir, nodeID string) (*Engine, error) {
	store, err := kv.Open(filepath.Join(dir, "solidb.db"))
	if err != nil {
		return nil, err
	}
	return New(store, hlc.NewClock(nodeID))
}

// New builds an Engine over an already-open KV store. Used by Open and
// directly by tests.
func New(store kv.Store, clock *hlc.Clock) (*Engine, error) {
	if err := store.OpenColumnFamily(catalogCF); err != nil {
		return nil, err
	}
	e := &Engine{store: store, clock: clock, databases: map[string]*Database{}}
	if err := e.loadCatalog(); err != nil {
		return nil, err
	}
	if _, ok := e.Database(SystemDatabase); !ok {
		if err := e.CreateDatabase(SystemDatabase); err != nil {
			return nil, err
		}
	}
	sys, _ := e.Database(SystemDatabase)
	if _, ok := sys.Collection(ConfigCollection); !ok {
		if _, err := sys.CreateCollection(document.Config{Name: ConfigCollection, Type: document.TypeDocument}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// SetBroker attaches a cluster event broker; catalog and index
// lifecycle events are published to it.
func (e *Engine) SetBroker(b *events.Broker) { e.broker = b }

func (e *Engine) publish(t events.EventType, msg string, meta map[string]string) {
	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
	}
}

// Store exposes the underlying KV store for components that own their
// own column families (the replication log).
func (e *Engine) Store() kv.Store { return e.store }

// Clock returns the node's HLC generator.
func (e *Engine) Clock() *hlc.Clock { return e.clock }

// NodeID returns the owning node's id.
func (e *Engine) NodeID() string { return e.clock.NodeID() }

// Close tears down the engine. The KV store is the last thing closed.
func (e *Engine) Close() error { return e.store.Close() }

func (e *Engine) loadCatalog() error {
	type pending struct {
		db   string
		meta collectionMeta
	}
	var colls []pending
	err := e.store.PrefixIterate(catalogCF, []byte(dbKeyPrefix), func(ent kv.Entry) bool {
		name := string(ent.Key[len(dbKeyPrefix):])
		e.databases[name] = newDatabase(e, name)
		return true
	})
	if err != nil {
		return err
	}
	err = e.store.PrefixIterate(catalogCF, []byte(collKeyPrefix), func(ent kv.Entry) bool {
		var meta collectionMeta
		if jerr := json.Unmarshal(ent.Value, &meta); jerr != nil {
			log.Logger.Warn().Str("key", string(ent.Key)).Err(jerr).Msg("skipping unreadable catalog entry")
			return true
		}
		colls = append(colls, pending{db: meta.Database, meta: meta})
		return true
	})
	if err != nil {
		return err
	}
	for _, p := range colls {
		db, ok := e.databases[p.db]
		if !ok {
			continue
		}
		if err := db.openCollection(p.meta); err != nil {
			return fmt.Errorf("open collection %s/%s: %w", p.db, p.meta.Name, err)
		}
	}
	return nil
}

// CreateDatabase creates and persists a new database.
func (e *Engine) CreateDatabase(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.databases[name]; exists {
		return errs.New(errs.AlreadyExists, fmt.Sprintf("database %q already exists", name))
	}
	if err := e.store.Put(catalogCF, []byte(dbKeyPrefix+name), []byte("{}")); err != nil {
		return err
	}
	e.databases[name] = newDatabase(e, name)
	e.publish(events.EventDatabaseCreated, name, nil)
	return nil
}

// EnsureDatabase returns the named database, creating it if absent —
// the idempotent form the replication apply path uses.
func (e *Engine) EnsureDatabase(name string) (*Database, error) {
	if db, ok := e.Database(name); ok {
		return db, nil
	}
	if err := e.CreateDatabase(name); err != nil && !errs.Is(err, errs.AlreadyExists) {
		return nil, err
	}
	db, _ := e.Database(name)
	return db, nil
}

// DropDatabase removes a database, every collection in it, and its
// catalog entries.
func (e *Engine) DropDatabase(name string) error {
	if name == SystemDatabase {
		return errs.New(errs.BadRequest, "cannot drop the _system database")
	}
	e.mu.Lock()
	db, exists := e.databases[name]
	if !exists {
		e.mu.Unlock()
		return errs.New(errs.NotFound, fmt.Sprintf("database %q not found", name))
	}
	delete(e.databases, name)
	e.mu.Unlock()

	for _, coll := range db.CollectionNames() {
		if err := db.DropCollection(coll); err != nil && !errs.Is(err, errs.NotFound) {
			return err
		}
	}
	if err := e.store.Delete(catalogCF, []byte(dbKeyPrefix+name)); err != nil {
		return err
	}
	e.publish(events.EventDatabaseDropped, name, nil)
	return nil
}

// Database resolves a database by name.
func (e *Engine) Database(name string) (*Database, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	db, ok := e.databases[name]
	return db, ok
}

// ListDatabases returns every database name, sorted.
func (e *Engine) ListDatabases() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := maps.Keys(e.databases)
	slices.Sort(names)
	return names
}

// UserDatabaseCount returns the number of databases excluding _system,
// consulted by the replication service's bootstrap check.
func (e *Engine) UserDatabaseCount() int {
	n := 0
	for _, name := range e.ListDatabases() {
		if name != SystemDatabase {
			n++
		}
	}
	return n
}

// ConfigGet reads a document from _system._config by key.
func (e *Engine) ConfigGet(key string) (map[string]value.Value, bool, error) {
	sys, ok := e.Database(SystemDatabase)
	if !ok {
		return nil, false, errs.New(errs.InternalError, "_system database missing")
	}
	coll, ok := sys.Collection(ConfigCollection)
	if !ok {
		return nil, false, errs.New(errs.InternalError, "_config collection missing")
	}
	doc, found, err := coll.Store().Get(key)
	if err != nil || !found {
		return nil, false, err
	}
	return doc.Data, true, nil
}

// ConfigPut upserts a document in _system._config under key.
func (e *Engine) ConfigPut(key string, data map[string]value.Value) error {
	sys, ok := e.Database(SystemDatabase)
	if !ok {
		return errs.New(errs.InternalError, "_system database missing")
	}
	coll, ok := sys.Collection(ConfigCollection)
	if !ok {
		return errs.New(errs.InternalError, "_config collection missing")
	}
	_, err := coll.Store().UpsertBatch(map[string]map[string]value.Value{key: data})
	return err
}
