package store

import (
	"bytes"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// discoveredKey namespaces units by source so one source's replace pass
// never clobbers another's rows (e.g. "manual" catalogue entries survive a
// podman discovery sweep).
func discoveredKey(source, unit string) []byte {
	return []byte(source + "\x00" + unit)
}

// SaveDiscoveredUnits atomically replaces every unit previously recorded
// under source with units — the DiscoveryProbe's full-refresh write.
func (s *Store) SaveDiscoveredUnits(source string, units []domain.DiscoveredUnit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDiscoveredUnits)
		prefix := []byte(source + "\x00")
		c := b.Cursor()
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, u := range units {
			data, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := b.Put(discoveredKey(source, u.Unit), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDiscoveredUnits returns every known unit across all sources.
func (s *Store) ListDiscoveredUnits() ([]domain.DiscoveredUnit, error) {
	var out []domain.DiscoveredUnit
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDiscoveredUnits).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var u domain.DiscoveredUnit
			if err := json.Unmarshal(v, &u); err != nil {
				continue
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}
