package kv

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on top of a single bbolt file, one bucket
// per column family — a bucket-per-entity layout generalized
// BoltStore uses, generalized from a fixed bucket list to dynamically
// opened column families.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if needed) a bbolt-backed Store at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) OpenColumnFamily(cf string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cf))
		return err
	})
}

func (s *BoltStore) DropColumnFamily(cf string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(cf))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (s *BoltStore) Get(cf string, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

func (s *BoltStore) Put(cf string, key, value []byte) error {
	return s.WriteBatch([]Op{Put(cf, key, value)})
}

func (s *BoltStore) Delete(cf string, key []byte) error {
	return s.WriteBatch([]Op{Del(cf, key)})
}

func (s *BoltStore) MultiGet(cf string, keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		for i, k := range keys {
			if v := b.Get(k); v != nil {
				out[i] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return out, err
}

// WriteBatch applies every op inside one bbolt transaction, giving the
// document store its single-batch atomicity across a document and all
// of its index entries.
func (s *BoltStore) WriteBatch(ops []Op) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := map[string]*bolt.Bucket{}
		bucket := func(cf string) (*bolt.Bucket, error) {
			if b, ok := buckets[cf]; ok {
				return b, nil
			}
			b, err := tx.CreateBucketIfNotExists([]byte(cf))
			if err != nil {
				return nil, err
			}
			buckets[cf] = b
			return b, nil
		}
		for _, op := range ops {
			b, err := bucket(op.CF)
			if err != nil {
				return err
			}
			switch op.Kind {
			case OpPut:
				if err := b.Put(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) PrefixIterate(cf string, prefix []byte, fn func(Entry) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && HasPrefix(k, prefix); k, v = c.Next() {
			if !fn(Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
				break
			}
		}
		return nil
	})
}

func (s *BoltStore) RangeIterate(cf string, start, end []byte, dir Direction, fn func(Entry) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		if dir == Forward {
			for k, v := seekOrFirst(c, start); k != nil; k, v = c.Next() {
				if end != nil && bytes.Compare(k, end) >= 0 {
					break
				}
				if !fn(Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
					break
				}
			}
			return nil
		}
		// Backward: position at end (exclusive) or last key, then walk Prev.
		var k, v []byte
		if end != nil {
			k, v = c.Seek(end)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
		for ; k != nil; k, v = c.Prev() {
			if start != nil && bytes.Compare(k, start) < 0 {
				break
			}
			if !fn(Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
				break
			}
		}
		return nil
	})
}

func (s *BoltStore) RangeDelete(cf string, start, end []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := seekOrFirst(c, start); k != nil; k, _ = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func seekOrFirst(c *bolt.Cursor, start []byte) ([]byte, []byte) {
	if start == nil {
		return c.First()
	}
	return c.Seek(start)
}
