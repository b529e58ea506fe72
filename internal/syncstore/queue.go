package syncstore

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/pkg/metrics"
)

// QueueConfig bounds the pending-change queue by count and bytes.
type QueueConfig struct {
	MaxCount int
	MaxBytes int
}

// DefaultQueueConfig suits a typical desktop client.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxCount: 10_000, MaxBytes: 100 * 1024 * 1024}
}

// MobileQueueConfig is a tighter bound for memory-constrained devices.
func MobileQueueConfig() QueueConfig {
	return QueueConfig{MaxCount: 1_000, MaxBytes: 10 * 1024 * 1024}
}

// DesktopQueueConfig is a generous bound for long offline periods.
func DesktopQueueConfig() QueueConfig {
	return QueueConfig{MaxCount: 50_000, MaxBytes: 500 * 1024 * 1024}
}

// QueueResult is the outcome of a bounded enqueue. The policy is
// "reject new": acknowledged local writes are never dropped to make
// room.
type QueueResult int

const (
	Added QueueResult = iota
	RejectedCountLimit
	RejectedBytesLimit
)

func (r QueueResult) String() string {
	switch r {
	case Added:
		return "added"
	case RejectedCountLimit:
		return "rejected_count_limit"
	default:
		return "rejected_bytes_limit"
	}
}

// QueueStats is the bounded queue's current occupancy.
type QueueStats struct {
	Count int
	Bytes int
}

// PendingChange is one local mutation awaiting upload.
type PendingChange struct {
	ID          uint64 `json:"id"`
	Collection  string `json:"collection"`
	DocumentKey string `json:"document_key"`
	Operation   string `json:"operation"` // insert | update | delete
	Data        []byte `json:"data,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	RetryCount  int    `json:"retry_count"`
}

func pendingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func (s *Store) recountQueue() error {
	stats := QueueStats{}
	err := s.db.PrefixIterate(pendingCF, nil, func(e kv.Entry) bool {
		var ch PendingChange
		if json.Unmarshal(e.Value, &ch) == nil {
			stats.Count++
			stats.Bytes += len(ch.Data)
		}
		return true
	})
	if err != nil {
		return err
	}
	s.stats = stats
	s.publishQueueMetrics()
	return nil
}

func (s *Store) publishQueueMetrics() {
	metrics.PendingQueueDepth.Set(float64(s.stats.Count))
	metrics.PendingQueueBytes.Set(float64(s.stats.Bytes))
}

// AddPendingChange enqueues without bounds, for callers that enforce
// their own limits.
func (s *Store) AddPendingChange(collection, key, operation string, data []byte, createdAt int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(collection, key, operation, data, createdAt)
}

// AddPendingChangeBounded enqueues only while the queue stays inside
// cfg's count and byte limits, rejecting the new change otherwise.
func (s *Store) AddPendingChangeBounded(collection, key, operation string, data []byte, createdAt int64, cfg QueueConfig) (QueueResult, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Count >= cfg.MaxCount {
		metrics.PendingQueueRejectedTotal.WithLabelValues("count_limit").Inc()
		return RejectedCountLimit, 0, nil
	}
	if s.stats.Bytes+len(data) > cfg.MaxBytes {
		metrics.PendingQueueRejectedTotal.WithLabelValues("bytes_limit").Inc()
		return RejectedBytesLimit, 0, nil
	}
	id, err := s.enqueue(collection, key, operation, data, createdAt)
	if err != nil {
		return Added, 0, err
	}
	return Added, id, nil
}

// enqueue appends the change and persists the id counter. Caller holds
// s.mu.
func (s *Store) enqueue(collection, key, operation string, data []byte, createdAt int64) (uint64, error) {
	s.nextChangeID++
	ch := PendingChange{
		ID:          s.nextChangeID,
		Collection:  collection,
		DocumentKey: key,
		Operation:   operation,
		Data:        data,
		CreatedAt:   createdAt,
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return 0, err
	}
	err = s.db.WriteBatch([]kv.Op{
		kv.Put(pendingCF, pendingKey(ch.ID), raw),
		kv.Put(metaCF, []byte(nextChangeIDKey), []byte(fmt.Sprintf("%d", s.nextChangeID))),
	})
	if err != nil {
		return 0, err
	}
	s.stats.Count++
	s.stats.Bytes += len(data)
	s.publishQueueMetrics()
	return ch.ID, nil
}

// GetQueueStats returns the queue's current occupancy.
func (s *Store) GetQueueStats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CanAcceptChange reports whether a change of dataSize bytes would be
// accepted under cfg.
func (s *Store) CanAcceptChange(dataSize int, cfg QueueConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Count < cfg.MaxCount && s.stats.Bytes+dataSize <= cfg.MaxBytes
}

// RemainingCapacity returns how many more changes fit under cfg's count
// limit.
func (s *Store) RemainingCapacity(cfg QueueConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Count >= cfg.MaxCount {
		return 0
	}
	return cfg.MaxCount - s.stats.Count
}

// PendingChanges returns every queued change in enqueue order.
func (s *Store) PendingChanges() ([]PendingChange, error) {
	var out []PendingChange
	err := s.db.PrefixIterate(pendingCF, nil, func(e kv.Entry) bool {
		var ch PendingChange
		if json.Unmarshal(e.Value, &ch) == nil {
			out = append(out, ch)
		}
		return true
	})
	return out, err
}

// RemovePendingChange drops an acknowledged change from the queue.
func (s *Store) RemovePendingChange(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.db.Get(pendingCF, pendingKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("pending change %d not found", id))
	}
	var ch PendingChange
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	if err := s.db.Delete(pendingCF, pendingKey(id)); err != nil {
		return err
	}
	s.stats.Count--
	s.stats.Bytes -= len(ch.Data)
	s.publishQueueMetrics()
	return nil
}

// IncrementRetry bumps a change's retry counter after a failed sync
// attempt.
func (s *Store) IncrementRetry(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.db.Get(pendingCF, pendingKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("pending change %d not found", id))
	}
	var ch PendingChange
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	ch.RetryCount++
	updated, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return s.db.Put(pendingCF, pendingKey(id), updated)
}

// ClearRetry resets a change's retry counter after a successful
// attempt.
func (s *Store) ClearRetry(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.db.Get(pendingCF, pendingKey(id))
	if err != nil || !ok {
		return err
	}
	var ch PendingChange
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	if ch.RetryCount == 0 {
		return nil
	}
	ch.RetryCount = 0
	updated, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return s.db.Put(pendingCF, pendingKey(id), updated)
}

// ClearPendingChanges empties the queue.
func (s *Store) ClearPendingChanges() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.RangeDelete(pendingCF, nil, nil); err != nil {
		return err
	}
	s.stats = QueueStats{}
	s.publishQueueMetrics()
	return nil
}
