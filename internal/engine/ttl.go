package engine

import (
	"context"
	"time"

	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/pkg/log"
)

// SweepExpired deletes every document whose TTL expiry is at or before
// now (epoch seconds), across all of the collection's TTL indexes. The
// cost is O(expired): only the TTL_EXP prefix up to now is walked, and
// each expired document is removed together with all its index entries
// in the store's usual single-batch delete.
func (c *Collection) SweepExpired(nowEpochSeconds int64) (int, error) {
	removed := 0
	for _, m := range c.store.Maintainers() {
		ttl, ok := m.(*index.TTLIndex)
		if !ok {
			continue
		}
		keys, err := ttl.ExpiredKeys(nowEpochSeconds)
		if err != nil {
			return removed, err
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.store.DeleteBatch(keys); err != nil {
			return removed, err
		}
		removed += len(keys)
	}
	return removed, nil
}

// StartTTLSweeper runs a periodic expiry sweep over every collection
// until ctx is cancelled.
func (e *Engine) StartTTLSweeper(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("ttl-sweeper")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().Unix()
				for _, dbName := range e.ListDatabases() {
					db, ok := e.Database(dbName)
					if !ok {
						continue
					}
					for _, collName := range db.CollectionNames() {
						coll, ok := db.Collection(collName)
						if !ok {
							continue
						}
						n, err := coll.SweepExpired(now)
						if err != nil {
							logger.Warn().Err(err).Str("collection", dbName+"/"+collName).Msg("ttl sweep failed")
						} else if n > 0 {
							logger.Debug().Int("removed", n).Str("collection", dbName+"/"+collName).Msg("ttl sweep")
						}
					}
				}
			}
		}
	}()
}
