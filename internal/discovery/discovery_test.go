package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/ids"
	"github.com/poduptrigger/poduptrigger/internal/logging"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time                      { return c.t }
func (c *fakeClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (c *fakeClock) Since(t time.Time) time.Duration      { return c.t.Sub(t) }

type fakeRuntime struct {
	mu    sync.Mutex
	calls int
	units []domain.DiscoveredUnit
	err   error
}

func (f *fakeRuntime) ListAutoUpdateUnits(_ context.Context, _ int64) ([]domain.DiscoveredUnit, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.units, nil
}

type fakeStore struct {
	mu     sync.Mutex
	saved  map[string][]domain.DiscoveredUnit
	events []domain.Event
}

func newFakeStore() *fakeStore { return &fakeStore{saved: map[string][]domain.DiscoveredUnit{}} }

func (f *fakeStore) SaveDiscoveredUnits(source string, units []domain.DiscoveredUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[source] = units
	return nil
}

func (f *fakeStore) RecordEvent(e domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func TestRefreshSavesUnitsFromRuntime(t *testing.T) {
	runtime := &fakeRuntime{units: []domain.DiscoveredUnit{{Unit: "web.service", Source: domain.SourcePodman}}}
	s := newFakeStore()
	p := New(runtime, s, &fakeClock{t: time.Unix(1000, 0)}, ids.UUIDGenerator{}, logging.New(false))

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.saved[domain.SourcePodman]) != 1 {
		t.Fatalf("saved units = %d, want 1", len(s.saved[domain.SourcePodman]))
	}
}

func TestRefreshFailureLeavesNoPartialWriteAndLogsEvent(t *testing.T) {
	runtime := &fakeRuntime{err: errors.New("socket unreachable")}
	s := newFakeStore()
	p := New(runtime, s, &fakeClock{t: time.Unix(1000, 0)}, ids.UUIDGenerator{}, logging.New(false))

	if err := p.Refresh(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := s.saved[domain.SourcePodman]; ok {
		t.Fatal("a failed probe must not write to the store")
	}
	if len(s.events) != 1 {
		t.Fatalf("events = %d, want 1", len(s.events))
	}
}
