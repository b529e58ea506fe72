package index

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/cuemby/solidb/internal/value"
)

// CuckooAccelerator is an alternative to BloomAccelerator that also
// supports deletion (a Bloom filter cannot remove an entry without
// risking false negatives elsewhere), persisted as CFO/<name>. Used for
// indexes backing a collection with heavy churn, where TTL expiry or
// frequent deletes would otherwise starve a Bloom filter's accuracy
// over time.
type CuckooAccelerator struct {
	mu     sync.RWMutex
	name   string
	filter *cuckoo.Filter
}

func NewCuckooAccelerator(name string, capacity uint) *CuckooAccelerator {
	return &CuckooAccelerator{name: name, filter: cuckoo.NewFilter(capacity)}
}

func (c *CuckooAccelerator) Add(fields []value.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.InsertUnique(encodeFieldsForFilter(fields))
}

func (c *CuckooAccelerator) Remove(fields []value.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.Delete(encodeFieldsForFilter(fields))
}

// MaybeContains reports false only when fields is definitely absent.
func (c *CuckooAccelerator) MaybeContains(fields []value.Value) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Lookup(encodeFieldsForFilter(fields))
}

// Persist encodes the filter to CFO/<name>'s opaque byte payload.
func (c *CuckooAccelerator) Persist() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Encode()
}

// LoadCuckooAccelerator restores a filter previously written by Persist.
func LoadCuckooAccelerator(name string, blob []byte) (*CuckooAccelerator, error) {
	filter, err := cuckoo.Decode(blob)
	if err != nil {
		return nil, err
	}
	return &CuckooAccelerator{name: name, filter: filter}, nil
}
