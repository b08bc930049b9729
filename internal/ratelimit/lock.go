package ratelimit

import (
	"github.com/poduptrigger/poduptrigger/internal/metrics"
	"github.com/poduptrigger/poduptrigger/internal/store"
)

// ImageLockTTLSeconds bounds how long a lock survives an executor crash
// before the next pull attempt is allowed to reclaim it.
const ImageLockTTLSeconds = 30 * 60

// ImageLock wraps the store's TTL'd mutual-exclusion lock for a normalised
// image reference bucket.
type ImageLock struct {
	store *store.Store
	ttl   int64
}

// NewImageLock builds an ImageLock using the default TTL.
func NewImageLock(s *store.Store) *ImageLock {
	return &ImageLock{store: s, ttl: ImageLockTTLSeconds}
}

// TryAcquire attempts to take the lock for bucket, returning true if the
// caller now holds it.
func (l *ImageLock) TryAcquire(bucket string, now int64) (bool, error) {
	res, err := l.store.TryAcquireLock(bucket, now, l.ttl)
	if err != nil {
		return false, err
	}
	acquired := res == store.LockAcquired
	if !acquired {
		metrics.ImageLockContention.WithLabelValues(bucket).Inc()
	}
	return acquired, nil
}

// Release drops bucket's lock; idempotent.
func (l *ImageLock) Release(bucket string) error {
	return l.store.ReleaseLock(bucket)
}

// Sweep removes locks whose TTL has elapsed as of now, returning the count
// removed — used by the POST /api/prune-state maintenance task to recover from a
// crashed executor that never released its lock.
func (l *ImageLock) Sweep(now int64) (int, error) {
	return l.store.SweepExpiredLocks(now, l.ttl)
}
