// Package index implements the secondary-index family: hash, ordered,
// full-text, geo, vector, TTL, and bloom/cuckoo accelerators. Per the
// "dynamic dispatch" design note, there is no virtual inheritance — a
// common Maintainer capability is folded into one KV batch by the
// document store, which folds heterogeneous
// Command ops into one store call.
package index

import (
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

// Kind identifies an index variant.
type Kind string

const (
	KindHash     Kind = "hash"
	KindOrdered  Kind = "ordered"
	KindFullText Kind = "fulltext"
	KindGeo      Kind = "geo"
	KindVector   Kind = "vector"
	KindTTL      Kind = "ttl"
)

// Descriptor is the persisted metadata for an index, stored under
// IDX_META/<name> (or FT_META/GEO_META/VEC_META/TTL_META per kind).
type Descriptor struct {
	Name       string   `json:"name"`
	Collection string   `json:"collection"`
	Kind       Kind     `json:"kind"`
	Fields     []string `json:"fields"`
	Unique     bool     `json:"unique,omitempty"`

	// Accelerator optionally names a probabilistic filter ("bloom" or
	// "cuckoo") consulted before equality lookups.
	Accelerator string `json:"accelerator,omitempty"`

	// Full-text
	MinLength int `json:"min_length,omitempty"`

	// Vector
	Dimensions int     `json:"dimensions,omitempty"`
	Metric     string  `json:"metric,omitempty"` // cosine | euclidean | dot
	M          int     `json:"m,omitempty"`
	EfConstr   int     `json:"ef_construction,omitempty"`
	Quantized  bool    `json:"quantized,omitempty"`
	BruteForce bool    `json:"-"` // derived at runtime from collection size threshold

	// TTL
	ExpiryField string `json:"expiry_field,omitempty"`
}

// Maintainer is implemented by every KV-entry-based index kind (hash,
// ordered, full-text, geo, TTL). Vector indexes are maintained
// separately since they live in memory and persist as an opaque blob
// rather than per-document KV entries (see vector.go).
type Maintainer interface {
	Descriptor() Descriptor

	// ComputeInsert returns the puts/deletes to fold into the document's
	// insert batch. err is non-nil for a unique-constraint conflict or
	// a failed store read during the conflict check.
	ComputeInsert(key string, doc value.Value) (puts, deletes []kv.Op, err error)

	// ComputeUpdate returns the puts/deletes to fold into the document's
	// update batch, given the old and new document images.
	ComputeUpdate(key string, oldDoc, newDoc value.Value) (puts, deletes []kv.Op, err error)

	// ComputeDelete returns the deletes to fold into the document's
	// delete batch.
	ComputeDelete(key string, doc value.Value) (puts, deletes []kv.Op, err error)

	// RebuildEntries returns the full set of puts that the index would
	// contain if rebuilt from scratch over docs — used when an index is
	// built over a collection's existing documents.
	RebuildEntries(docs map[string]value.Value) (puts []kv.Op, err error)
}

// FieldValuesOf projects doc's indexed fields in Descriptor.Fields
// order, reporting ok=false when any is absent — the exported form
// index builders outside this package use.
func FieldValuesOf(doc value.Value, fields []string) ([]value.Value, bool) {
	return fieldValues(doc, fields)
}

// fieldValues projects doc's indexed fields, in Descriptor.Fields
// order, returning ok=false if any field is absent (such documents are
// not indexed, matching "every live document and every index covering
// applicable fields").
func fieldValues(doc value.Value, fields []string) ([]value.Value, bool) {
	out := make([]value.Value, len(fields))
	for i, f := range fields {
		v, ok := doc.Get(f)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
