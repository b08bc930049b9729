package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// tokenKey orders tokens by (scope, bucket, seq) so a prefix scan over
// (scope, bucket) visits them in insertion order, needed for the sliding
// window count in internal/ratelimit.
func tokenKey(scope, bucket string, seq uint64) []byte {
	key := []byte(scope + "\x00" + bucket + "\x00")
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)
	return append(key, seqBuf...)
}

func tokenPrefix(scope, bucket string) []byte {
	return []byte(scope + "\x00" + bucket + "\x00")
}

// InsertToken records a rate-limit admission at ts for (scope, bucket).
func (s *Store) InsertToken(tok domain.RateLimitToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateTokens)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(tok)
		if err != nil {
			return err
		}
		return b.Put(tokenKey(tok.Scope, tok.Bucket, seq), data)
	})
}

// AdmitResult is the outcome of an AdmitToken check-and-insert.
type AdmitResult struct {
	Allowed   bool
	WindowHit string // "burst" or "sustained", empty when Allowed
}

// AdmitToken checks the burst and sustained windows for (scope, bucket) and,
// only if both are under threshold, inserts a token — all inside one
// bolt.Update transaction, so two concurrent admission checks for the same
// bucket can never both read an under-threshold count before either records
// its token (spec §4.2's ordering guarantee between count and insert).
func (s *Store) AdmitToken(scope, bucket string, now int64, burstMax int, burstSince int64, sustainMax int, sustainSince int64) (AdmitResult, error) {
	var result AdmitResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateTokens)
		prefix := tokenPrefix(scope, bucket)
		burstCount, sustainCount := 0, 0
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tok domain.RateLimitToken
			if err := json.Unmarshal(v, &tok); err != nil {
				continue
			}
			if tok.TS >= burstSince {
				burstCount++
			}
			if tok.TS >= sustainSince {
				sustainCount++
			}
		}
		if burstCount >= burstMax {
			result.WindowHit = "burst"
			return nil
		}
		if sustainCount >= sustainMax {
			result.WindowHit = "sustained"
			return nil
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(domain.RateLimitToken{Scope: scope, Bucket: bucket, TS: now})
		if err != nil {
			return err
		}
		if err := b.Put(tokenKey(scope, bucket, seq), data); err != nil {
			return err
		}
		result.Allowed = true
		return nil
	})
	return result, err
}

// CountTokensSince returns how many tokens for (scope, bucket) have ts >=
// since — the sliding-window count the RateLimiter checks against burst and
// sustained thresholds.
func (s *Store) CountTokensSince(scope, bucket string, since int64) (int, error) {
	count := 0
	prefix := tokenPrefix(scope, bucket)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRateTokens).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tok domain.RateLimitToken
			if err := json.Unmarshal(v, &tok); err != nil {
				continue
			}
			if tok.TS >= since {
				count++
			}
		}
		return nil
	})
	return count, err
}

// PurgeTokensBefore deletes tokens for (scope, bucket) older than before —
// garbage collection so bucketRateTokens doesn't grow unbounded.
func (s *Store) PurgeTokensBefore(scope, bucket string, before int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateTokens)
		prefix := tokenPrefix(scope, bucket)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tok domain.RateLimitToken
			if err := json.Unmarshal(v, &tok); err != nil {
				continue
			}
			if tok.TS < before {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
