// Package store provides transactional persistence for every domain entity,
// backed by BoltDB: one bucket per entity family, JSON-encoded values, and
// a single bolt.DB whose Update transactions already serialise every
// writer in the process — log appends per task_id and rate-limit admission
// per (scope, bucket) both fall out for free from BoltDB only ever running
// one write transaction at a time.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents          = []byte("events")
	bucketTasks           = []byte("tasks")
	bucketTaskUnits       = []byte("task_units")
	bucketTaskLogs        = []byte("task_logs")
	bucketRateTokens      = []byte("rate_tokens")
	bucketImageLocks      = []byte("image_locks")
	bucketDiscoveredUnits = []byte("discovered_units")
	bucketDigestCache     = []byte("digest_cache")
	bucketImportedReports = []byte("imported_reports")
)

var allBuckets = [][]byte{
	bucketEvents, bucketTasks, bucketTaskUnits, bucketTaskLogs,
	bucketRateTokens, bucketImageLocks, bucketDiscoveredUnits, bucketDigestCache,
	bucketImportedReports,
}

// ErrNotFound is returned when a lookup by key finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateTaskID is returned by CreateTask when the task_id already exists.
var ErrDuplicateTaskID = errors.New("store: duplicate task_id")

// Store wraps a BoltDB database for daemon persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist. If the parent directory doesn't exist, Open makes a
// one-shot attempt to create it before giving up; the caller
// (cmd/poduptrigger) decides whether a persistent failure here marks the
// daemon degraded.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0755); mkErr == nil {
				db, err = bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Page describes pagination parameters shared by list operations.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) limit() int {
	if p.Limit <= 0 {
		return 50
	}
	return p.Limit
}
