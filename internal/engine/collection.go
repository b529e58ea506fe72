package engine

import (
	"fmt"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/kv"
)

// Collection pairs a document store with its persisted catalog record
// and the raw column-family access blob chunks need.
type Collection struct {
	db   *Database
	meta collectionMeta
	cf   string

	store   *document.Store
	runtime *document.CollectionRuntime
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.meta.Name }

// Store exposes the full CRUD surface.
func (c *Collection) Store() *document.Store { return c.store }

// Runtime exposes the query executor's view.
func (c *Collection) Runtime() *document.CollectionRuntime { return c.runtime }

// ShardConfig returns the collection's shard configuration (zero-value
// NumShards means unsharded).
func (c *Collection) ShardConfig() document.ShardConfig { return c.meta.Shard }

// Type returns the collection type.
func (c *Collection) Type() document.Type { return c.meta.Type }

func blobChunkKey(docKey string, chunk uint32) []byte {
	return []byte(fmt.Sprintf("BLOB/%s/%010d", docKey, chunk))
}

// PutBlobChunk stores one chunk of a blob document's payload.
func (c *Collection) PutBlobChunk(docKey string, chunk uint32, data []byte) error {
	return c.db.eng.store.Put(c.cf, blobChunkKey(docKey, chunk), data)
}

// GetBlobChunk reads one chunk of a blob document's payload.
func (c *Collection) GetBlobChunk(docKey string, chunk uint32) ([]byte, bool, error) {
	return c.db.eng.store.Get(c.cf, blobChunkKey(docKey, chunk))
}

// DeleteBlob removes every chunk stored for docKey.
func (c *Collection) DeleteBlob(docKey string) error {
	prefix := []byte("BLOB/" + docKey + "/")
	return c.db.eng.store.RangeDelete(c.cf, prefix, kv.PrefixUpperBound(prefix))
}

// BlobChunkCount counts the chunks stored for docKey.
func (c *Collection) BlobChunkCount(docKey string) (int, error) {
	n := 0
	prefix := []byte("BLOB/" + docKey + "/")
	err := c.db.eng.store.PrefixIterate(c.cf, prefix, func(kv.Entry) bool {
		n++
		return true
	})
	return n, err
}
