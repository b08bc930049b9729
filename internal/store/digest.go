package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// GetDigestCache returns the cached digest-check result for key (normally an
// image:tag reference), or ErrNotFound if nothing has been cached yet.
func (s *Store) GetDigestCache(key string) (*domain.DigestCacheEntry, error) {
	var entry domain.DigestCacheEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDigestCache).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// SetDigestCache upserts a digest-check result, advisory state used to
// short-circuit a webhook-triggered pull when the image tag hasn't moved.
func (s *Store) SetDigestCache(entry domain.DigestCacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDigestCache).Put([]byte(entry.Key), data)
	})
}
