package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/events"
	"github.com/poduptrigger/poduptrigger/internal/logging"
)

type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time { return c.now }
func (c *mockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *mockClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

type fakeIDGen struct{ n int }

func (f *fakeIDGen) New() string {
	f.n++
	return "req-" + string(rune('a'+f.n))
}

type fakeEngine struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	nextID int
}

func newFakeEngine() *fakeEngine { return &fakeEngine{tasks: map[string]*domain.Task{}} }

func (f *fakeEngine) CreateTask(kind string, trigger domain.Trigger, unitNames []string, summary string, meta map[string]any) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "task-" + string(rune('0'+f.nextID))
	task := &domain.Task{TaskID: id, Kind: kind, Status: domain.StatusPending, Trigger: trigger, Summary: summary, Meta: meta}
	f.tasks[id] = task
	return task, nil
}

func (f *fakeEngine) GetTask(taskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID], nil
}

func (f *fakeEngine) RecordEvent(domain.Event) error { return nil }

func (f *fakeEngine) setStatus(taskID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID].Status = status
}

type countingAuto struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingAuto) RunAutoUpdate(_ context.Context, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, taskID)
}

type countingSelf struct {
	mu      sync.Mutex
	calls   []string
	dryRuns []bool
}

func (c *countingSelf) RunSelfUpdate(_ context.Context, taskID string, dryRun bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, taskID)
	c.dryRuns = append(c.dryRuns, dryRun)
}

type fixedConfig struct{ interval time.Duration }

func (f fixedConfig) AutoUpdateInterval() time.Duration { return f.interval }

func newTestScheduler(t *testing.T, selfCron string) (*Scheduler, *fakeEngine, *countingAuto, *countingSelf) {
	t.Helper()
	engine := newFakeEngine()
	auto := &countingAuto{}
	self := &countingSelf{}
	log := logging.New(false)
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	s := New(engine, engine, auto, self, fixedConfig{interval: time.Minute}, log, clk, events.New(), &fakeIDGen{}, selfCron, true)
	return s, engine, auto, self
}

func TestTickAutoUpdateCreatesTaskWhenIdle(t *testing.T) {
	s, _, auto, _ := newTestScheduler(t, "")
	s.tickAutoUpdate(context.Background())
	waitFor(t, func() bool { auto.mu.Lock(); defer auto.mu.Unlock(); return len(auto.calls) == 1 })
}

func TestTickAutoUpdateSkipsWhilePreviousStillRunning(t *testing.T) {
	s, engine, auto, _ := newTestScheduler(t, "")
	s.tickAutoUpdate(context.Background())
	waitFor(t, func() bool { auto.mu.Lock(); defer auto.mu.Unlock(); return len(auto.calls) == 1 })

	s.tickAutoUpdate(context.Background())
	time.Sleep(10 * time.Millisecond)
	auto.mu.Lock()
	got := len(auto.calls)
	auto.mu.Unlock()
	if got != 1 {
		t.Fatalf("RunAutoUpdate called %d times, want 1 (second tick should have skipped)", got)
	}
	if len(engine.tasks) != 1 {
		t.Fatalf("tasks created = %d, want 1", len(engine.tasks))
	}
}

func TestTickAutoUpdateRunsAgainAfterPreviousFinishes(t *testing.T) {
	s, engine, auto, _ := newTestScheduler(t, "")
	s.tickAutoUpdate(context.Background())
	waitFor(t, func() bool { auto.mu.Lock(); defer auto.mu.Unlock(); return len(auto.calls) == 1 })

	for id := range engine.tasks {
		engine.setStatus(id, domain.StatusSucceeded)
	}
	s.tickAutoUpdate(context.Background())
	waitFor(t, func() bool { auto.mu.Lock(); defer auto.mu.Unlock(); return len(auto.calls) == 2 })
	if len(engine.tasks) != 2 {
		t.Fatalf("tasks created = %d, want 2", len(engine.tasks))
	}
}

func TestTickSelfUpdateUsesConfiguredDryRun(t *testing.T) {
	s, _, _, self := newTestScheduler(t, "*/5 * * * *")
	s.tickSelfUpdate(context.Background())
	waitFor(t, func() bool { self.mu.Lock(); defer self.mu.Unlock(); return len(self.calls) == 1 })
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.dryRuns[0] {
		t.Errorf("dryRun = false, want the configured true")
	}
}

func TestInvalidSelfUpdateCronDisablesJob(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, "every five minutes")
	if s.selfSchedule != nil {
		t.Fatal("selfSchedule should be nil for an invalid expression")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
