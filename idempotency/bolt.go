package idempotency

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

const boltBucket = "idempotency"

// BoltStore persists records in an embedded BoltDB file, so completed results
// survive a restart of a single-instance deployment.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Claim checks for a live record before inserting. An existing one is
// returned unchanged and nothing is written.
func (s *BoltStore) Claim(_ context.Context, rec Record) (Record, bool, error) {
	var (
		result  Record
		claimed bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if raw := b.Get([]byte(rec.Key)); raw != nil {
			var existing Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if !existing.Expired(rec.CreatedAt) {
				result = existing
				return nil
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		result, claimed = rec, true
		return b.Put([]byte(rec.Key), data)
	})
	if err != nil {
		return Record{}, false, err
	}
	return result, claimed, nil
}

func (s *BoltStore) Complete(_ context.Context, key string, response []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Status = StatusCompleted
		rec.Response = response

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Abandon deletes the claim. Deleting a missing key is a no-op in bolt.
func (s *BoltStore) Abandon(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

func (s *BoltStore) Purge(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}
