package engine

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/events"
)

// metaPrefixFor returns the per-kind descriptor key prefix.
func metaPrefixFor(kind index.Kind) string {
	switch kind {
	case index.KindFullText:
		return "FT_META/"
	case index.KindGeo:
		return "GEO_META/"
	case index.KindVector:
		return "VEC_META/"
	case index.KindTTL:
		return "TTL_META/"
	default:
		return "IDX_META/"
	}
}

// entryPrefixesFor returns every entry-key prefix an index kind owns,
// for drop-time cleanup.
func entryPrefixesFor(desc index.Descriptor) []string {
	switch desc.Kind {
	case index.KindFullText:
		return []string{"FT_TERM/" + desc.Name + "/", "FT/" + desc.Name + "/"}
	case index.KindGeo:
		return []string{"GEO/" + desc.Name + "/"}
	case index.KindTTL:
		return []string{"TTL_EXP/" + desc.Name + "/"}
	case index.KindVector:
		return []string{"VEC_DATA/" + desc.Name}
	default:
		return []string{"IDX/" + desc.Name + "/"}
	}
}

// CreateIndex persists the descriptor, builds entries in one pass over
// the collection, and registers the index. A unique-constraint conflict
// during the build fails the whole operation: the descriptor is removed
// and no partial entries are left behind.
func (c *Collection) CreateIndex(desc index.Descriptor) error {
	desc.Collection = c.meta.Name
	for _, existing := range c.meta.Indexes {
		if existing.Name == desc.Name {
			return errs.New(errs.AlreadyExists, fmt.Sprintf("index %q already exists", desc.Name))
		}
	}

	eng := c.db.eng
	metaKey := []byte(metaPrefixFor(desc.Kind) + desc.Name)
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	if err := eng.store.Put(c.cf, metaKey, raw); err != nil {
		return err
	}

	if desc.Kind == index.KindVector {
		vec := index.NewVectorIndex(desc)
		docs, err := c.store.All()
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := vec.UpsertFromDoc(doc.Key, doc.ToValue()); err != nil {
				_ = eng.store.Delete(c.cf, metaKey)
				return err
			}
		}
		c.store.AddVector(desc.Name, vec)
	} else {
		m := maintainerFor(eng.store, c.cf, desc)
		docs, err := c.store.All()
		if err != nil {
			return err
		}
		images := make(map[string]value.Value, len(docs))
		for _, doc := range docs {
			images[doc.Key] = doc.ToValue()
		}
		puts, err := m.RebuildEntries(images)
		if err != nil {
			// Unique conflict during build: roll the descriptor back.
			_ = eng.store.Delete(c.cf, metaKey)
			return err
		}
		if err := eng.store.WriteBatch(puts); err != nil {
			_ = eng.store.Delete(c.cf, metaKey)
			return err
		}
		if oi, ok := m.(*index.OrderedIndex); ok && desc.Accelerator != "" {
			if err := buildAccelerator(oi, desc, images); err != nil {
				_ = eng.store.Delete(c.cf, metaKey)
				return err
			}
		}
		c.store.AddMaintainer(m)
	}

	c.meta.Indexes = append(c.meta.Indexes, desc)
	if err := c.db.persistMeta(c.meta); err != nil {
		return err
	}
	eng.publish(events.EventIndexCreated, c.db.name+"/"+c.meta.Name+"/"+desc.Name, nil)
	return nil
}

// DropIndex deregisters the index and removes its descriptor and every
// entry it owns.
func (c *Collection) DropIndex(name string) error {
	idx := -1
	for i, d := range c.meta.Indexes {
		if d.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.New(errs.NotFound, fmt.Sprintf("index %q not found", name))
	}
	desc := c.meta.Indexes[idx]

	if desc.Kind == index.KindVector {
		c.store.RemoveVector(name)
	} else {
		c.store.RemoveMaintainer(name)
	}

	eng := c.db.eng
	if err := eng.store.Delete(c.cf, []byte(metaPrefixFor(desc.Kind)+name)); err != nil {
		return err
	}
	for _, prefix := range entryPrefixesFor(desc) {
		p := []byte(prefix)
		if err := eng.store.RangeDelete(c.cf, p, kv.PrefixUpperBound(p)); err != nil {
			return err
		}
	}
	// Accelerator blobs, if any were persisted.
	_ = eng.store.Delete(c.cf, []byte("BLO/"+name))
	_ = eng.store.Delete(c.cf, []byte("CFO/"+name))

	c.meta.Indexes = append(c.meta.Indexes[:idx], c.meta.Indexes[idx+1:]...)
	if err := c.db.persistMeta(c.meta); err != nil {
		return err
	}
	eng.publish(events.EventIndexDropped, c.db.name+"/"+c.meta.Name+"/"+name, nil)
	return nil
}

// Indexes returns the collection's persisted index descriptors.
func (c *Collection) Indexes() []index.Descriptor {
	return append([]index.Descriptor(nil), c.meta.Indexes...)
}

// buildAccelerator fills a fresh filter from the live document images
// and persists its blob, so lazy loads after a restart see a complete
// filter.
func buildAccelerator(oi *index.OrderedIndex, desc index.Descriptor, images map[string]value.Value) error {
	var accel index.Accelerator
	switch desc.Accelerator {
	case index.AccelBloom:
		accel = index.NewBloomAccelerator(desc.Name, acceleratorCapacity(len(images)), 0.01)
	case index.AccelCuckoo:
		accel = index.NewCuckooAccelerator(desc.Name, acceleratorCapacity(len(images)))
	default:
		return errs.New(errs.BadRequest, fmt.Sprintf("unknown accelerator %q", desc.Accelerator))
	}
	for _, doc := range images {
		if fields, ok := index.FieldValuesOf(doc, desc.Fields); ok {
			accel.Insert(fields)
		}
	}
	oi.AttachAccelerator(accel)
	return oi.PersistAccelerator()
}

func acceleratorCapacity(docs int) uint {
	const floor = 100_000
	if docs*2 > floor {
		return uint(docs * 2)
	}
	return floor
}

// PersistVectors serializes every in-memory vector index to its
// VEC_DATA blob. The node daemon calls it on shutdown.
func (c *Collection) PersistVectors() error {
	for name, vec := range c.store.Vectors() {
		blob, err := vec.Persist()
		if err != nil {
			return err
		}
		if err := c.db.eng.store.Put(c.cf, []byte("VEC_DATA/"+name), blob); err != nil {
			return err
		}
	}
	return nil
}

// PersistAccelerators writes every loaded filter blob. The node
// daemon calls it alongside PersistVectors on shutdown.
func (c *Collection) PersistAccelerators() error {
	for _, m := range c.store.Maintainers() {
		if oi, ok := m.(*index.OrderedIndex); ok {
			if err := oi.PersistAccelerator(); err != nil {
				return err
			}
		}
	}
	return nil
}
