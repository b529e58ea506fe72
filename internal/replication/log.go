package replication

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/pkg/metrics"
)

const (
	logCF     = "_repl"
	seqKey    = "repl:_sequence"
	logPrefix = "repl:"

	// DefaultRetention keeps the last 2M entries, enough to carry large
	// bulk operations in flight without truncating unsent history.
	DefaultRetention = 2_000_000

	cacheSize     = 10_000
	cacheMaxEntry = 10 * 1024
)

// Log is the persistent, append-only replication log: repl:<20-digit
// sequence> keys in their own column family, with a bounded in-memory
// cache of recent small entries. Reads always come from disk — the
// cache skips oversized entries, so it cannot be trusted for
// correctness, only for length introspection.
type Log struct {
	nodeID    string
	store     kv.Store
	retention uint64

	mu       sync.Mutex
	sequence uint64
	cache    []Entry
}

func logEntryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("repl:%020d", seq))
}

// OpenLog opens (creating if needed) the node's replication log in
// store's dedicated column family and restores the persisted sequence.
func OpenLog(store kv.Store, nodeID string, retention uint64) (*Log, error) {
	if retention == 0 {
		retention = DefaultRetention
	}
	if err := store.OpenColumnFamily(logCF); err != nil {
		return nil, err
	}
	l := &Log{nodeID: nodeID, store: store, retention: retention}
	raw, ok, err := store.Get(logCF, []byte(seqKey))
	if err != nil {
		return nil, err
	}
	if ok {
		seq, perr := strconv.ParseUint(string(raw), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt replication sequence %q: %w", raw, perr)
		}
		l.sequence = seq
	}
	if err := l.warmCache(); err != nil {
		return nil, err
	}
	metrics.ReplicationSequence.Set(float64(l.sequence))
	return l, nil
}

func (l *Log) warmCache() error {
	var recent []Entry
	err := l.store.PrefixIterate(logCF, []byte(logPrefix), func(e kv.Entry) bool {
		if string(e.Key) == seqKey {
			return true
		}
		entry, derr := decodeEntry(e.Value)
		if derr != nil {
			return true
		}
		recent = append(recent, entry)
		if len(recent) > cacheSize {
			recent = recent[1:]
		}
		return true
	})
	l.cache = recent
	return err
}

// NodeID returns the log owner's node id.
func (l *Log) NodeID() string { return l.nodeID }

// Append assigns the next sequence to entry, stamps the origin node,
// and persists it together with the updated sequence counter.
func (l *Log) Append(entry Entry) (uint64, error) {
	seq, err := l.AppendBatch([]Entry{entry})
	return seq, err
}

// AppendBatch appends every entry atomically, returning the new current
// sequence. Entries are re-sequenced in order; the caller's Sequence
// and NodeID fields are overwritten.
func (l *Log) AppendBatch(entries []Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) == 0 {
		return l.sequence, nil
	}

	ops := make([]kv.Op, 0, len(entries)+1)
	staged := make([]Entry, 0, len(entries))
	seq := l.sequence
	for _, entry := range entries {
		seq++
		entry.Sequence = seq
		entry.NodeID = l.nodeID
		raw, err := entry.encode()
		if err != nil {
			return l.sequence, err
		}
		ops = append(ops, kv.Put(logCF, logEntryKey(seq), raw))
		staged = append(staged, entry)
	}
	ops = append(ops, kv.Put(logCF, []byte(seqKey), []byte(strconv.FormatUint(seq, 10))))
	if err := l.store.WriteBatch(ops); err != nil {
		return l.sequence, err
	}
	l.sequence = seq

	for _, entry := range staged {
		if len(entry.DocumentData) < cacheMaxEntry {
			l.cache = append(l.cache, entry)
		}
	}
	if len(l.cache) > cacheSize {
		l.cache = l.cache[len(l.cache)-cacheSize:]
	}

	if seq > l.retention {
		if err := l.trimBefore(seq - l.retention); err != nil {
			return seq, err
		}
	}
	metrics.ReplicationSequence.Set(float64(seq))
	return seq, nil
}

// trimBefore removes every entry with sequence < before. Caller holds mu.
func (l *Log) trimBefore(before uint64) error {
	return l.store.RangeDelete(logCF, logEntryKey(0), logEntryKey(before))
}

// CurrentSequence returns the highest assigned sequence.
func (l *Log) CurrentSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// EntriesAfter reads up to limit entries with sequence > after from
// disk, in sequence order. limit <= 0 means unbounded.
func (l *Log) EntriesAfter(after uint64, limit int) ([]Entry, error) {
	var entries []Entry
	start := logEntryKey(after + 1)
	end := kv.PrefixUpperBound([]byte(logPrefix))
	err := l.store.RangeIterate(logCF, start, end, kv.Forward, func(e kv.Entry) bool {
		if string(e.Key) == seqKey {
			return true
		}
		entry, derr := decodeEntry(e.Value)
		if derr != nil {
			return true
		}
		entries = append(entries, entry)
		return limit <= 0 || len(entries) < limit
	})
	return entries, err
}

// Len returns the cached entry count (approximate; the cache skips
// oversized entries).
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}
