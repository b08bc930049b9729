package store

import (
	"testing"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

func TestTryAcquireLockAndExpiry(t *testing.T) {
	s := testStore(t)
	bucket := "image:docker.io/library/nginx"

	res, err := s.TryAcquireLock(bucket, 100, 60)
	if err != nil || res != LockAcquired {
		t.Fatalf("first acquire: res=%v err=%v, want LockAcquired", res, err)
	}

	res, err = s.TryAcquireLock(bucket, 110, 60)
	if err != nil || res != LockAlreadyHeld {
		t.Fatalf("second acquire before ttl: res=%v err=%v, want LockAlreadyHeld", res, err)
	}

	res, err = s.TryAcquireLock(bucket, 200, 60)
	if err != nil || res != LockAcquired {
		t.Fatalf("acquire after ttl elapsed: res=%v err=%v, want LockAcquired", res, err)
	}
}

func TestReleaseLockIdempotent(t *testing.T) {
	s := testStore(t)
	bucket := "image:x"
	if _, err := s.TryAcquireLock(bucket, 1, 60); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseLock(bucket); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if err := s.ReleaseLock(bucket); err != nil {
		t.Fatalf("ReleaseLock repeat: %v", err)
	}
	res, err := s.TryAcquireLock(bucket, 2, 60)
	if err != nil || res != LockAcquired {
		t.Fatalf("acquire after release: res=%v err=%v, want LockAcquired", res, err)
	}
}

func TestSweepExpiredLocks(t *testing.T) {
	s := testStore(t)
	if _, err := s.TryAcquireLock("image:stale", 0, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TryAcquireLock("image:fresh", 95, 10); err != nil {
		t.Fatal(err)
	}
	removed, err := s.SweepExpiredLocks(100, 10)
	if err != nil {
		t.Fatalf("SweepExpiredLocks: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	locks, err := s.ListLocks()
	if err != nil {
		t.Fatalf("ListLocks: %v", err)
	}
	if len(locks) != 1 || locks[0].Bucket != "image:fresh" {
		t.Fatalf("locks = %+v, want only image:fresh", locks)
	}
}

func TestSaveDiscoveredUnitsReplacesBySourceOnly(t *testing.T) {
	s := testStore(t)
	if err := s.SaveDiscoveredUnits(domain.SourcePodman, []domain.DiscoveredUnit{
		{Unit: "web.service", Source: domain.SourcePodman, DiscoveredAt: 1},
		{Unit: "worker.service", Source: domain.SourcePodman, DiscoveredAt: 1},
	}); err != nil {
		t.Fatalf("SaveDiscoveredUnits: %v", err)
	}
	if err := s.SaveDiscoveredUnits(domain.SourceManual, []domain.DiscoveredUnit{
		{Unit: "db.service", Source: domain.SourceManual, DiscoveredAt: 1},
	}); err != nil {
		t.Fatalf("SaveDiscoveredUnits manual: %v", err)
	}

	// A fresh podman sweep that drops worker.service should not touch db.service.
	if err := s.SaveDiscoveredUnits(domain.SourcePodman, []domain.DiscoveredUnit{
		{Unit: "web.service", Source: domain.SourcePodman, DiscoveredAt: 2},
	}); err != nil {
		t.Fatalf("SaveDiscoveredUnits refresh: %v", err)
	}

	units, err := s.ListDiscoveredUnits()
	if err != nil {
		t.Fatalf("ListDiscoveredUnits: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("len(units) = %d, want 2 (web.service + db.service)", len(units))
	}
}

func TestDigestCacheRoundTrip(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetDigestCache("missing"); err != ErrNotFound {
		t.Fatalf("GetDigestCache(missing) = %v, want ErrNotFound", err)
	}

	entry := domain.DigestCacheEntry{Key: "ghcr.io/ex/svc:latest", Digest: "sha256:abc", Status: "unchanged", CheckedAt: 50}
	if err := s.SetDigestCache(entry); err != nil {
		t.Fatalf("SetDigestCache: %v", err)
	}
	got, err := s.GetDigestCache(entry.Key)
	if err != nil {
		t.Fatalf("GetDigestCache: %v", err)
	}
	if got.Digest != entry.Digest || got.Status != entry.Status {
		t.Errorf("got = %+v, want %+v", got, entry)
	}
}
