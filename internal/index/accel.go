package index

import "github.com/cuemby/solidb/internal/value"

// Accelerator names in Descriptor.Accelerator.
const (
	AccelBloom  = "bloom"
	AccelCuckoo = "cuckoo"
)

// Accelerator is the probabilistic-filter capability a hash/ordered
// index consults before an equality lookup: a definite "absent" skips
// the KV scan entirely. Implemented by BloomAccelerator and
// CuckooAccelerator.
type Accelerator interface {
	Insert(fields []value.Value)
	Delete(fields []value.Value)
	MaybeContains(fields []value.Value) bool
	Encode() ([]byte, error)
	// BlobPrefix is the key prefix the encoded filter persists under.
	BlobPrefix() string
}

// Insert adds fields to the filter.
func (b *BloomAccelerator) Insert(fields []value.Value) { b.Add(fields) }

// Delete is a no-op: a Bloom filter cannot remove an entry without
// risking false negatives elsewhere. Accuracy degrades with churn
// until the next rebuild.
func (b *BloomAccelerator) Delete([]value.Value) {}

// Encode marshals the filter for persistence.
func (b *BloomAccelerator) Encode() ([]byte, error) { return b.Persist() }

// BlobPrefix returns the Bloom blob prefix.
func (b *BloomAccelerator) BlobPrefix() string { return "BLO/" }

// Insert adds fields to the filter. Duplicate values are inserted
// again so that one document's deletion does not erase a value other
// documents still carry.
func (c *CuckooAccelerator) Insert(fields []value.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.Insert(encodeFieldsForFilter(fields))
}

// Delete removes one occurrence of fields.
func (c *CuckooAccelerator) Delete(fields []value.Value) { c.Remove(fields) }

// Encode marshals the filter for persistence.
func (c *CuckooAccelerator) Encode() ([]byte, error) { return c.Persist(), nil }

// BlobPrefix returns the cuckoo blob prefix.
func (c *CuckooAccelerator) BlobPrefix() string { return "CFO/" }
