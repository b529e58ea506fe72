package index

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

const ngramSize = 3

// DefaultMinLength is applied when a full-text index is created without
// an explicit min_length.
const DefaultMinLength = 2

// FullTextIndex maintains per-field tokenized terms and character
// trigrams: FT_TERM/<name>/<term>/<doc_key> and FT/<name>/<ngram>/<doc_key>.
type FullTextIndex struct {
	desc  Descriptor
	store kv.Store
	cf    string
}

func NewFullTextIndex(store kv.Store, cf string, desc Descriptor) *FullTextIndex {
	if desc.MinLength <= 0 {
		desc.MinLength = DefaultMinLength
	}
	return &FullTextIndex{desc: desc, store: store, cf: cf}
}

func (f *FullTextIndex) Descriptor() Descriptor { return f.desc }

// Tokenize lowercases, strips non-alphanumeric characters (keeping
// whitespace as a separator), and splits on whitespace.
func Tokenize(text string) []string {
	normalized := normalize(text)
	return strings.Fields(normalized)
}

// Ngrams generates character n-grams over the normalized text (spaces
// included, the same normalization tokenize uses).
func Ngrams(text string, n int) []string {
	normalized := strings.Join(strings.Fields(normalize(text)), " ")
	runes := []rune(normalized)
	if len(runes) < n {
		return nil
	}
	grams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+n]))
	}
	return grams
}

func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (f *FullTextIndex) termKey(term, key string) []byte {
	return []byte(fmt.Sprintf("FT_TERM/%s/%s/%s", f.desc.Name, term, key))
}

func (f *FullTextIndex) ngramKey(ngram, key string) []byte {
	return []byte(fmt.Sprintf("FT/%s/%s/%s", f.desc.Name, ngram, key))
}

func (f *FullTextIndex) entries(key string, doc value.Value) []kv.Op {
	var ops []kv.Op
	for _, field := range f.desc.Fields {
		v, ok := doc.Get(field)
		if !ok || v.Kind != value.KindString {
			continue
		}
		for _, term := range Tokenize(v.Str) {
			if len(term) >= f.desc.MinLength {
				ops = append(ops, kv.Put(f.cf, f.termKey(term, key), []byte(key)))
			}
		}
		for _, ng := range Ngrams(v.Str, ngramSize) {
			ops = append(ops, kv.Put(f.cf, f.ngramKey(ng, key), []byte(key)))
		}
	}
	return ops
}

func (f *FullTextIndex) ComputeInsert(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	return f.entries(key, doc), nil, nil
}

func (f *FullTextIndex) ComputeUpdate(key string, oldDoc, newDoc value.Value) ([]kv.Op, []kv.Op, error) {
	// Delete only entries the new text no longer produces: the batch
	// applies puts before deletes, so a delete of a still-valid entry
	// would win.
	newEntries := f.entries(key, newDoc)
	kept := make(map[string]bool, len(newEntries))
	for _, op := range newEntries {
		kept[string(op.Key)] = true
	}
	var deletes []kv.Op
	for _, op := range f.entries(key, oldDoc) {
		if !kept[string(op.Key)] {
			deletes = append(deletes, kv.Del(f.cf, op.Key))
		}
	}
	return newEntries, deletes, nil
}

func (f *FullTextIndex) ComputeDelete(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	var deletes []kv.Op
	for _, op := range f.entries(key, doc) {
		deletes = append(deletes, kv.Del(f.cf, op.Key))
	}
	return nil, deletes, nil
}

func (f *FullTextIndex) RebuildEntries(docs map[string]value.Value) ([]kv.Op, error) {
	var puts []kv.Op
	for key, doc := range docs {
		puts = append(puts, f.entries(key, doc)...)
	}
	return puts, nil
}

// Match is one scored full-text search result.
type Match struct {
	Key   string
	Score int
}

// Search collects candidate documents by exact term match, then scores
// every candidate by term-overlap plus Levenshtein distance on
// per-term pairs (exact: +10, distance<=2: +5), ranked descending and
// truncated to limit. docLoader resolves a candidate key to its
// document image (the caller's Document Store).
func (f *FullTextIndex) Search(query string, limit int, docLoader func(key string) (value.Value, bool)) ([]Match, error) {
	queryTerms := Tokenize(query)
	candidates := map[string]bool{}
	for _, term := range queryTerms {
		if len(term) < f.desc.MinLength {
			continue
		}
		prefix := []byte(fmt.Sprintf("FT_TERM/%s/%s/", f.desc.Name, term))
		if err := f.store.PrefixIterate(f.cf, prefix, func(e kv.Entry) bool {
			candidates[string(e.Value)] = true
			return true
		}); err != nil {
			return nil, err
		}
	}

	var matches []Match
	for key := range candidates {
		doc, ok := docLoader(key)
		if !ok {
			continue
		}
		best := 0
		for _, field := range f.desc.Fields {
			v, ok := doc.Get(field)
			if !ok || v.Kind != value.KindString {
				continue
			}
			score := 0
			for _, qTerm := range queryTerms {
				for _, dTerm := range Tokenize(v.Str) {
					dist := levenshtein.Distance(qTerm, dTerm, nil)
					switch {
					case dist == 0:
						score += 10
					case dist <= 2:
						score += 5
					}
				}
			}
			if score > best {
				best = score
			}
		}
		if best > 0 {
			matches = append(matches, Match{Key: key, Score: best})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
