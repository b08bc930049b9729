package store

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// RecordEvent appends an audit row. This is append-only and the Dispatcher
// never fails the caller's request over a write failure here — callers log
// and proceed; RecordEvent itself just reports the error.
func (s *Store) RecordEvent(e domain.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// EventFilter narrows ListEvents results.
type EventFilter struct {
	RequestID  string
	PathPrefix string
	Status     int // 0 = any
	Action     string
	TaskID     string
}

func (f EventFilter) matches(e domain.Event) bool {
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(e.Path, f.PathPrefix) {
		return false
	}
	if f.Status != 0 && e.Status != f.Status {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	return true
}

// ListEvents returns events newest-first matching filter, paginated.
func (s *Store) ListEvents(filter EventFilter, page Page) ([]domain.Event, error) {
	var out []domain.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e domain.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !filter.matches(e) {
				continue
			}
			if skipped < page.Offset {
				skipped++
				continue
			}
			out = append(out, e)
			if len(out) >= page.limit() {
				break
			}
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
