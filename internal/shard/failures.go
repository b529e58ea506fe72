package shard

import (
	"sync"
	"time"
)

const (
	// recentFailureWindow is how long a recovered node is still treated
	// as a suspect copy source — it may carry stale data.
	recentFailureWindow = 5 * time.Minute
	// failureRecordMaxAge bounds how long failure records are kept.
	failureRecordMaxAge = time.Hour
)

// FailureTracker remembers which nodes recently failed, so healing can
// prefer sources that were continuously healthy.
type FailureTracker struct {
	mu     sync.RWMutex
	failed map[string]time.Time
}

// NewFailureTracker returns an empty tracker.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{failed: map[string]time.Time{}}
}

// Record marks node as failed now.
func (f *FailureTracker) Record(node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[node] = time.Now()
}

// Clear forgets node's failure record.
func (f *FailureTracker) Clear(node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failed, node)
}

// WasRecentlyFailed reports whether node failed within the suspect
// window.
func (f *FailureTracker) WasRecentlyFailed(node string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	at, ok := f.failed[node]
	return ok && time.Since(at) < recentFailureWindow
}

// RecentCount returns the number of nodes inside the suspect window.
func (f *FailureTracker) RecentCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, at := range f.failed {
		if time.Since(at) < recentFailureWindow {
			n++
		}
	}
	return n
}

// CleanupOld drops records older than the max age.
func (f *FailureTracker) CleanupOld() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for node, at := range f.failed {
		if time.Since(at) >= failureRecordMaxAge {
			delete(f.failed, node)
		}
	}
}

// ClearHealthy forgets records for nodes currently reported healthy.
func (f *FailureTracker) ClearHealthy(healthy []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, node := range healthy {
		delete(f.failed, node)
	}
}
