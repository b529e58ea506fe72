package index

import (
	"bytes"
	"sync"

	boom "github.com/bits-and-blooms/bloom/v3"

	"github.com/cuemby/solidb/internal/value"
)

// BloomAccelerator wraps a hash/ordered index with a Bloom filter over
// its field-value encodings, persisted as BLO/<name>. A negative
// MaybeContains lets OrderedIndex.Lookup skip the KV scan entirely; a
// positive result still requires the real lookup (false positives are
// expected).
type BloomAccelerator struct {
	mu     sync.RWMutex
	name   string
	filter *boom.BloomFilter
}

// NewBloomAccelerator builds a filter sized for expectedN entries at
// falsePositiveRate.
func NewBloomAccelerator(name string, expectedN uint, falsePositiveRate float64) *BloomAccelerator {
	return &BloomAccelerator{name: name, filter: boom.NewWithEstimates(expectedN, falsePositiveRate)}
}

func (b *BloomAccelerator) Add(fields []value.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter.Add(encodeFieldsForFilter(fields))
}

// MaybeContains reports false only when fields is definitely absent.
func (b *BloomAccelerator) MaybeContains(fields []value.Value) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter.Test(encodeFieldsForFilter(fields))
}

// Rebuild replaces the filter's contents entirely, used after a bulk
// reindex or index rebuild.
func (b *BloomAccelerator) Rebuild(expectedN uint, falsePositiveRate float64, allFields [][]value.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = boom.NewWithEstimates(expectedN, falsePositiveRate)
	for _, fields := range allFields {
		b.filter.Add(encodeFieldsForFilter(fields))
	}
}

// Persist marshals the filter to BLO/<name>'s opaque byte payload.
func (b *BloomAccelerator) Persist() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var buf bytes.Buffer
	_, err := b.filter.WriteTo(&buf)
	return buf.Bytes(), err
}

// LoadBloomAccelerator restores a filter previously written by Persist.
func LoadBloomAccelerator(name string, blob []byte) (*BloomAccelerator, error) {
	filter := &boom.BloomFilter{}
	if len(blob) > 0 {
		if _, err := filter.ReadFrom(bytes.NewReader(blob)); err != nil {
			return nil, err
		}
	}
	return &BloomAccelerator{name: name, filter: filter}, nil
}

func encodeFieldsForFilter(fields []value.Value) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		data, _ := f.MarshalJSON()
		buf.Write(data)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
