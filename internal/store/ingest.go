package store

import (
	bolt "go.etcd.io/bbolt"
)

// WasImported reports whether a self-update report's idempotency key has
// already been recorded. The filename-rename convention (*.json ->
// *.json.imported) is the primary guard against reprocessing a file; this
// bucket is the secondary guard against a duplicate report surfacing under
// a different filename, or a crash between processing and rename.
func (s *Store) WasImported(key string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketImportedReports).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// MarkImported records a self-update report's idempotency key as consumed.
func (s *Store) MarkImported(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImportedReports).Put([]byte(key), []byte{1})
	})
}
