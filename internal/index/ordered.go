package index

import (
	"fmt"
	"sync"

	"github.com/cuemby/solidb/internal/codec"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

// OrderedIndex implements both the Hash and Ordered (persistent) index
// variants: entries of the form
// IDX/<name>/<encoded-values>/<doc_key> -> doc_key. The two kinds share
// this exact entry layout, so the planner uses either kind for
// equality, range and sort access paths.
type OrderedIndex struct {
	desc  Descriptor
	store kv.Store
	cf    string

	// Optional probabilistic accelerator, loaded lazily from its
	// persisted blob on first use. Nil until loaded; stays nil when the
	// descriptor names none or no blob exists yet (a fresh empty filter
	// would wrongly short-circuit lookups of live entries).
	accelMu    sync.Mutex
	accel      Accelerator
	accelTried bool
}

// NewOrderedIndex constructs a Maintainer for a hash or ordered index
// backed by store's column family cf.
func NewOrderedIndex(store kv.Store, cf string, desc Descriptor) *OrderedIndex {
	return &OrderedIndex{desc: desc, store: store, cf: cf}
}

// accelerator lazily loads the index's persisted filter blob.
func (o *OrderedIndex) accelerator() Accelerator {
	if o.desc.Accelerator == "" {
		return nil
	}
	o.accelMu.Lock()
	defer o.accelMu.Unlock()
	if o.accel != nil || o.accelTried {
		return o.accel
	}
	o.accelTried = true
	switch o.desc.Accelerator {
	case AccelBloom:
		if blob, ok, err := o.store.Get(o.cf, []byte("BLO/"+o.desc.Name)); err == nil && ok {
			if a, lerr := LoadBloomAccelerator(o.desc.Name, blob); lerr == nil {
				o.accel = a
			}
		}
	case AccelCuckoo:
		if blob, ok, err := o.store.Get(o.cf, []byte("CFO/"+o.desc.Name)); err == nil && ok {
			if a, lerr := LoadCuckooAccelerator(o.desc.Name, blob); lerr == nil {
				o.accel = a
			}
		}
	}
	return o.accel
}

// AttachAccelerator installs a freshly built filter (the create-index
// build path).
func (o *OrderedIndex) AttachAccelerator(a Accelerator) {
	o.accelMu.Lock()
	defer o.accelMu.Unlock()
	o.accel = a
	o.accelTried = true
}

// ResetAccelerator drops the in-memory filter; truncate calls this so
// a stale filter never vetoes lookups of re-inserted values.
func (o *OrderedIndex) ResetAccelerator() {
	o.accelMu.Lock()
	defer o.accelMu.Unlock()
	o.accel = nil
	o.accelTried = false
}

// PersistAccelerator writes the in-memory filter's blob, if one is
// loaded.
func (o *OrderedIndex) PersistAccelerator() error {
	o.accelMu.Lock()
	accel := o.accel
	o.accelMu.Unlock()
	if accel == nil {
		return nil
	}
	blob, err := accel.Encode()
	if err != nil {
		return err
	}
	return o.store.Put(o.cf, []byte(accel.BlobPrefix()+o.desc.Name), blob)
}

func (o *OrderedIndex) Descriptor() Descriptor { return o.desc }

// EntryKey builds the IDX/<name>/<encoded-values>/<doc_key> key.
func (o *OrderedIndex) EntryKey(fields []value.Value, docKey string) []byte {
	return append(append([]byte(fmt.Sprintf("IDX/%s/", o.desc.Name)), codec.EncodeValues(fields...)...), []byte("/"+docKey)...)
}

// ValuePrefix builds the IDX/<name>/<encoded-values>/ prefix shared by
// every doc_key carrying those field values — used for both equality
// lookup and unique-conflict detection.
func (o *OrderedIndex) ValuePrefix(fields []value.Value) []byte {
	return append([]byte(fmt.Sprintf("IDX/%s/", o.desc.Name)), codec.EncodeValues(fields...)...)
}

// NamePrefix builds the IDX/<name>/ prefix for a full index scan, used
// by sort-via-index and range pushdown.
func (o *OrderedIndex) NamePrefix() []byte {
	return []byte(fmt.Sprintf("IDX/%s/", o.desc.Name))
}

func (o *OrderedIndex) ComputeInsert(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	fields, ok := fieldValues(doc, o.desc.Fields)
	if !ok {
		return nil, nil, nil
	}
	if o.desc.Unique {
		if conflict, err := o.hasConflict(fields, key); err != nil {
			return nil, nil, err
		} else if conflict {
			return nil, nil, errs.New(errs.AlreadyExists, fmt.Sprintf("unique index %q violated", o.desc.Name))
		}
	}
	if a := o.accelerator(); a != nil {
		a.Insert(fields)
	}
	entryKey := o.EntryKey(fields, key)
	return []kv.Op{kv.Put(o.cf, entryKey, []byte(key))}, nil, nil
}

func (o *OrderedIndex) ComputeUpdate(key string, oldDoc, newDoc value.Value) ([]kv.Op, []kv.Op, error) {
	oldFields, oldOK := fieldValues(oldDoc, o.desc.Fields)
	newFields, newOK := fieldValues(newDoc, o.desc.Fields)

	if oldOK && newOK && sameFields(oldFields, newFields) {
		return nil, nil, nil
	}

	var puts, deletes []kv.Op
	if oldOK {
		deletes = append(deletes, kv.Del(o.cf, o.EntryKey(oldFields, key)))
		if a := o.accelerator(); a != nil {
			a.Delete(oldFields)
		}
	}
	if newOK {
		if o.desc.Unique {
			if conflict, err := o.hasConflict(newFields, key); err != nil {
				return nil, nil, err
			} else if conflict {
				return nil, nil, errs.New(errs.AlreadyExists, fmt.Sprintf("unique index %q violated", o.desc.Name))
			}
		}
		if a := o.accelerator(); a != nil {
			a.Insert(newFields)
		}
		puts = append(puts, kv.Put(o.cf, o.EntryKey(newFields, key), []byte(key)))
	}
	return puts, deletes, nil
}

func (o *OrderedIndex) ComputeDelete(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	fields, ok := fieldValues(doc, o.desc.Fields)
	if !ok {
		return nil, nil, nil
	}
	if a := o.accelerator(); a != nil {
		a.Delete(fields)
	}
	return nil, []kv.Op{kv.Del(o.cf, o.EntryKey(fields, key))}, nil
}

func (o *OrderedIndex) RebuildEntries(docs map[string]value.Value) ([]kv.Op, error) {
	var puts []kv.Op
	seen := map[string]string{}
	for key, doc := range docs {
		fields, ok := fieldValues(doc, o.desc.Fields)
		if !ok {
			continue
		}
		if o.desc.Unique {
			prefix := string(o.ValuePrefix(fields))
			if owner, exists := seen[prefix]; exists && owner != key {
				return nil, errs.New(errs.AlreadyExists, fmt.Sprintf("unique index %q violated by key %q and %q", o.desc.Name, owner, key))
			}
			seen[prefix] = key
		}
		puts = append(puts, kv.Put(o.cf, o.EntryKey(fields, key), []byte(key)))
	}
	return puts, nil
}

// hasConflict reports whether another document already owns fields.
func (o *OrderedIndex) hasConflict(fields []value.Value, key string) (bool, error) {
	prefix := o.ValuePrefix(fields)
	conflict := false
	err := o.store.PrefixIterate(o.cf, prefix, func(e kv.Entry) bool {
		if string(e.Value) != key {
			conflict = true
			return false
		}
		return true
	})
	return conflict, err
}

// Lookup returns document keys whose indexed fields equal fields. A
// loaded accelerator answering "definitely absent" skips the scan.
func (o *OrderedIndex) Lookup(fields []value.Value) ([]string, error) {
	if a := o.accelerator(); a != nil && !a.MaybeContains(fields) {
		return nil, nil
	}
	var keys []string
	err := o.store.PrefixIterate(o.cf, o.ValuePrefix(fields), func(e kv.Entry) bool {
		keys = append(keys, string(e.Value))
		return true
	})
	return keys, err
}

// ScanOrdered walks the index in ascending (or descending) key order,
// used by SORT-via-index and range pushdown. limit<=0 means unbounded.
func (o *OrderedIndex) ScanOrdered(ascending bool, limit int) ([]string, error) {
	var keys []string
	dir := kv.Forward
	if !ascending {
		dir = kv.Backward
	}
	prefix := o.NamePrefix()
	err := o.store.RangeIterate(o.cf, prefix, kv.PrefixUpperBound(prefix), dir, func(e kv.Entry) bool {
		keys = append(keys, string(e.Value))
		return limit <= 0 || len(keys) < limit
	})
	return keys, err
}

// RangeLookup walks entries whose encoded field value is within
// [low, high) (either bound may be nil for unbounded), for access-path
// range pushdown (<, <=, >, >=).
func (o *OrderedIndex) RangeLookup(low, high []value.Value, limit int) ([]string, error) {
	namePrefix := o.NamePrefix()
	start := namePrefix
	if low != nil {
		start = o.ValuePrefix(low)
	}
	end := kv.PrefixUpperBound(namePrefix)
	if high != nil {
		end = o.ValuePrefix(high)
	}
	var keys []string
	err := o.store.RangeIterate(o.cf, start, end, kv.Forward, func(e kv.Entry) bool {
		keys = append(keys, string(e.Value))
		return limit <= 0 || len(keys) < limit
	})
	return keys, err
}

func sameFields(a, b []value.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !value.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
