package index

import (
	"fmt"

	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

// TTLIndex maintains entries under TTL_EXP/<name>/<expiry-0padded>/<doc_key>
// so cleanup costs O(expired) rather than O(|collection|): a prefix
// iterate up to "now" followed by one batched delete of the expired
// documents (Collection.SweepExpired).
type TTLIndex struct {
	desc  Descriptor
	store kv.Store
	cf    string
}

func NewTTLIndex(store kv.Store, cf string, desc Descriptor) *TTLIndex {
	return &TTLIndex{desc: desc, store: store, cf: cf}
}

func (t *TTLIndex) Descriptor() Descriptor { return t.desc }

func (t *TTLIndex) entryKey(expiry int64, key string) []byte {
	return []byte(fmt.Sprintf("TTL_EXP/%s/%013d/%s", t.desc.Name, expiry, key))
}

func (t *TTLIndex) expiryOf(doc value.Value) (int64, bool) {
	v, ok := doc.Get(t.desc.ExpiryField)
	if !ok || v.Kind != value.KindNumber {
		return 0, false
	}
	return int64(v.Number), true
}

func (t *TTLIndex) ComputeInsert(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	exp, ok := t.expiryOf(doc)
	if !ok {
		return nil, nil, nil
	}
	return []kv.Op{kv.Put(t.cf, t.entryKey(exp, key), nil)}, nil, nil
}

func (t *TTLIndex) ComputeUpdate(key string, oldDoc, newDoc value.Value) ([]kv.Op, []kv.Op, error) {
	oldExp, oldOK := t.expiryOf(oldDoc)
	newExp, newOK := t.expiryOf(newDoc)
	if oldOK && newOK && oldExp == newExp {
		return nil, nil, nil
	}
	var puts, deletes []kv.Op
	if oldOK {
		deletes = append(deletes, kv.Del(t.cf, t.entryKey(oldExp, key)))
	}
	if newOK {
		puts = append(puts, kv.Put(t.cf, t.entryKey(newExp, key), nil))
	}
	return puts, deletes, nil
}

func (t *TTLIndex) ComputeDelete(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	exp, ok := t.expiryOf(doc)
	if !ok {
		return nil, nil, nil
	}
	return nil, []kv.Op{kv.Del(t.cf, t.entryKey(exp, key))}, nil
}

func (t *TTLIndex) RebuildEntries(docs map[string]value.Value) ([]kv.Op, error) {
	var puts []kv.Op
	for key, doc := range docs {
		if exp, ok := t.expiryOf(doc); ok {
			puts = append(puts, kv.Put(t.cf, t.entryKey(exp, key), nil))
		}
	}
	return puts, nil
}

// ExpiredKeys returns every document key whose expiry is <= nowEpochSeconds,
// scanning only the expired prefix (O(expired), never O(|collection|)).
func (t *TTLIndex) ExpiredKeys(nowEpochSeconds int64) ([]string, error) {
	namePrefix := []byte(fmt.Sprintf("TTL_EXP/%s/", t.desc.Name))
	end := []byte(fmt.Sprintf("TTL_EXP/%s/%013d0", t.desc.Name, nowEpochSeconds))
	var keys []string
	err := t.store.RangeIterate(t.cf, namePrefix, end, kv.Forward, func(e kv.Entry) bool {
		// key layout: TTL_EXP/<name>/<013d>/<doc_key>
		parts := splitTTLKey(e.Key)
		if parts != "" {
			keys = append(keys, parts)
		}
		return true
	})
	return keys, err
}

func splitTTLKey(key []byte) string {
	s := string(key)
	// Find the third '/' (after "TTL_EXP", name, expiry).
	count := 0
	for i, c := range s {
		if c == '/' {
			count++
			if count == 3 {
				return s[i+1:]
			}
		}
	}
	return ""
}
