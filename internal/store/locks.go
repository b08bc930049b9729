package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// LockResult reports the outcome of a TryAcquireLock call.
type LockResult int

const (
	// LockAcquired means the caller now holds the image lock.
	LockAcquired LockResult = iota
	// LockAlreadyHeld means another unexpired holder owns the bucket.
	LockAlreadyHeld
)

// TryAcquireLock attempts to take the lock for bucket. An existing lock
// counts as held until now >= acquired_at + ttl, at which point it is
// treated as expired and silently replaced.
func (s *Store) TryAcquireLock(bucket string, now int64, ttlSeconds int64) (LockResult, error) {
	result := LockAlreadyHeld
	err := s.db.Update(func(tx *bolt.Tx) error {
		locks := tx.Bucket(bucketImageLocks)
		data := locks.Get([]byte(bucket))
		if data != nil {
			var existing domain.ImageLock
			if err := json.Unmarshal(data, &existing); err == nil {
				if existing.AcquiredAt+ttlSeconds > now {
					return nil // still held
				}
			}
		}
		lock := domain.ImageLock{Bucket: bucket, AcquiredAt: now}
		out, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		if err := locks.Put([]byte(bucket), out); err != nil {
			return err
		}
		result = LockAcquired
		return nil
	})
	return result, err
}

// ReleaseLock releases bucket's lock. Idempotent: releasing an unheld lock
// is not an error.
func (s *Store) ReleaseLock(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImageLocks).Delete([]byte(bucket))
	})
}

// ListLocks returns all currently-recorded locks (expired or not — callers
// needing liveness should compare AcquiredAt against their own ttl+now).
func (s *Store) ListLocks() ([]domain.ImageLock, error) {
	var out []domain.ImageLock
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketImageLocks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var l domain.ImageLock
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// SweepExpiredLocks deletes every lock whose ttl has elapsed as of now, and
// returns how many were removed. The POST /api/prune-state handler drives
// this.
func (s *Store) SweepExpiredLocks(now int64, ttlSeconds int64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		locks := tx.Bucket(bucketImageLocks)
		c := locks.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var l domain.ImageLock
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			if l.AcquiredAt+ttlSeconds <= now {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := locks.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
