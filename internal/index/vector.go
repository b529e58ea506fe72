package index

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/value"
)

// bruteForceThreshold is the collection size below which VectorIndex
// skips HNSW graph maintenance entirely and falls back to a linear
// scan below a size threshold.
const bruteForceThreshold = 1000

// VectorMatch is one scored nearest-neighbor result.
type VectorMatch struct {
	Key   string
	Score float32
}

// VectorIndex holds an in-memory HNSW graph (or a brute-force fallback
// under bruteForceThreshold vectors), persisted as a single opaque blob
// under VEC_DATA/<name> rather than per-document KV entries — it is not
// a Maintainer, it is rebuilt/persisted directly by the document store
// around insert/update/delete.
type VectorIndex struct {
	mu      sync.RWMutex
	desc    Descriptor
	graph   *hnsw.Graph[string]
	vectors map[string][]float32
}

func NewVectorIndex(desc Descriptor) *VectorIndex {
	g := hnsw.NewGraph[string]()
	if desc.M > 0 {
		g.M = desc.M
	}
	if desc.EfConstr > 0 {
		g.EfSearch = desc.EfConstr
	}
	g.Distance = distanceFuncFor(desc.Metric)
	return &VectorIndex{desc: desc, graph: g, vectors: map[string][]float32{}}
}

func distanceFuncFor(metric string) hnsw.DistanceFunc {
	switch metric {
	case "euclidean":
		return hnsw.EuclideanDistance
	case "dot":
		return dotDistance
	default:
		return hnsw.CosineDistance
	}
}

func dotDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return -sum
}

func (v *VectorIndex) Descriptor() Descriptor { return v.desc }

func (v *VectorIndex) validate(vec []float32) error {
	if v.desc.Dimensions > 0 && len(vec) != v.desc.Dimensions {
		return errs.New(errs.InvalidDocument, fmt.Sprintf("vector dimension mismatch: expected %d, got %d", v.desc.Dimensions, len(vec)))
	}
	return nil
}

func (v *VectorIndex) vectorOf(doc value.Value) ([]float32, bool) {
	if len(v.desc.Fields) == 0 {
		return nil, false
	}
	val, ok := doc.Get(v.desc.Fields[0])
	if !ok || val.Kind != value.KindArray {
		return nil, false
	}
	out := make([]float32, len(val.Array))
	for i, e := range val.Array {
		if e.Kind != value.KindNumber {
			return nil, false
		}
		out[i] = float32(e.Number)
	}
	return out, true
}

// Upsert inserts or replaces key's vector.
func (v *VectorIndex) Upsert(key string, vec []float32) error {
	if err := v.validate(vec); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	prev := len(v.vectors)
	v.vectors[key] = vec
	v.desc.BruteForce = len(v.vectors) < bruteForceThreshold
	if v.desc.BruteForce {
		return nil
	}
	if prev < bruteForceThreshold {
		// Crossing the threshold: vectors added in brute-force mode are
		// not in the graph yet, so add every held vector.
		for k, vv := range v.vectors {
			v.graph.Add(hnsw.MakeNode(k, vv))
		}
		return nil
	}
	v.graph.Add(hnsw.MakeNode(key, vec))
	return nil
}

// UpsertFromDoc projects the index's configured field out of doc and
// upserts it; a no-op if the field is absent or not a numeric array.
func (v *VectorIndex) UpsertFromDoc(key string, doc value.Value) error {
	vec, ok := v.vectorOf(doc)
	if !ok {
		return nil
	}
	return v.Upsert(key, vec)
}

// Delete removes key's vector.
func (v *VectorIndex) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, key)
	v.graph.Delete(key)
	v.desc.BruteForce = len(v.vectors) < bruteForceThreshold
}

// Search returns the k nearest neighbors to query, scored by the
// configured metric (higher score is closer: 1-distance for every
// metric, which for dot is 1 plus the dot product).
func (v *VectorIndex) Search(query []float32, k int, efSearch int) ([]VectorMatch, error) {
	if err := v.validate(query); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.desc.BruteForce || len(v.vectors) < bruteForceThreshold {
		return v.bruteSearch(query, k), nil
	}

	if efSearch > 0 {
		v.graph.EfSearch = efSearch
	}
	nodes := v.graph.Search(query, k)
	out := make([]VectorMatch, 0, len(nodes))
	dist := distanceFuncFor(v.desc.Metric)
	for _, n := range nodes {
		out = append(out, VectorMatch{Key: n.Key, Score: 1 - dist(query, n.Value)})
	}
	return out, nil
}

func (v *VectorIndex) bruteSearch(query []float32, k int) []VectorMatch {
	dist := distanceFuncFor(v.desc.Metric)
	matches := make([]VectorMatch, 0, len(v.vectors))
	for key, vec := range v.vectors {
		matches = append(matches, VectorMatch{Key: key, Score: 1 - dist(query, vec)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Quantize returns an 8-bit scalar-quantized copy of vec alongside the
// (min, scale) needed to dequantize it: one byte per element instead of
// four. VectorIndex does not call it; Persist writes full float32
// vectors whatever Descriptor.Quantized says.
func Quantize(vec []float32) (quantized []byte, min, scale float32) {
	if len(vec) == 0 {
		return nil, 0, 1
	}
	lo, hi := vec[0], vec[0]
	for _, f := range vec {
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	s := span / 255
	out := make([]byte, len(vec))
	for i, f := range vec {
		out[i] = byte(math.Round(float64((f - lo) / s)))
	}
	return out, lo, s
}

// Dequantize restores a float32 vector from Quantize's output.
func Dequantize(quantized []byte, min, scale float32) []float32 {
	out := make([]float32, len(quantized))
	for i, b := range quantized {
		out[i] = min + float32(b)*scale
	}
	return out
}

// vectorBlob is the persisted VEC_DATA/<name> payload: the raw vectors,
// sufficient to rebuild the HNSW graph on load without serializing its
// internal graph structure.
type vectorBlob struct {
	Vectors map[string][]float32
}

// Persist serializes the index to an opaque blob for VEC_DATA/<name>.
func (v *VectorIndex) Persist() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vectorBlob{Vectors: v.vectors}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadVectorIndex rebuilds a VectorIndex from a Persist blob.
func LoadVectorIndex(desc Descriptor, blob []byte) (*VectorIndex, error) {
	idx := NewVectorIndex(desc)
	if len(blob) == 0 {
		return idx, nil
	}
	var decoded vectorBlob
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&decoded); err != nil {
		return nil, err
	}
	for key, vec := range decoded.Vectors {
		if err := idx.Upsert(key, vec); err != nil {
			return nil, err
		}
	}
	return idx, nil
}
