// Package scheduler is the in-process cron-subset executor: it injects
// auto-update and self-update tasks into the TaskEngine on their own
// cadences, never letting a job's next tick overlap a still-running
// previous one.
package scheduler

import (
	"context"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/poduptrigger/poduptrigger/internal/clock"
	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/events"
	"github.com/poduptrigger/poduptrigger/internal/ids"
	"github.com/poduptrigger/poduptrigger/internal/logging"
	"github.com/poduptrigger/poduptrigger/internal/metrics"
)

// TaskEngine is the subset of taskengine.Engine the scheduler needs to
// inject periodic tasks.
type TaskEngine interface {
	CreateTask(kind string, trigger domain.Trigger, unitNames []string, summary string, meta map[string]any) (*domain.Task, error)
}

// Store is the subset of store.Store the scheduler needs: reading back a
// job's last task to check whether it has reached a terminal state, and
// recording the scheduler-skip event when it hasn't.
type Store interface {
	GetTask(taskID string) (*domain.Task, error)
	RecordEvent(e domain.Event) error
}

// AutoUpdateDispatcher runs the auto-update-tick task body.
type AutoUpdateDispatcher interface {
	RunAutoUpdate(ctx context.Context, taskID string)
}

// SelfUpdateDispatcher runs the self-update-tick task body.
type SelfUpdateDispatcher interface {
	RunSelfUpdate(ctx context.Context, taskID string, dryRun bool)
}

// Config is the subset of config.Config the scheduler reads.
type Config interface {
	AutoUpdateInterval() time.Duration
}

func isTerminal(status string) bool {
	switch status {
	case domain.StatusSucceeded, domain.StatusFailed, domain.StatusCancelled, domain.StatusSkipped:
		return true
	}
	return false
}

// Scheduler runs the auto-update job (interval-driven) and the self-update
// job (cron-driven), each non-overlapping with its own previous run.
type Scheduler struct {
	engine TaskEngine
	store  Store
	auto   AutoUpdateDispatcher
	self   SelfUpdateDispatcher
	cfg    Config
	log    *logging.Logger
	clock  clock.Clock
	bus    *events.Bus
	ids    ids.Generator

	selfUpdateDryRun bool
	selfSchedule     cron.Schedule // nil disables the job

	mu         sync.Mutex
	autoTaskID string
	selfTaskID string
	iteration  int64
}

// New builds a Scheduler. selfUpdateCron is validated against the two
// permitted shapes; an invalid or empty expression disables the
// self-update job and logs one warning, it never fails construction.
func New(engine TaskEngine, store Store, auto AutoUpdateDispatcher, self SelfUpdateDispatcher, cfg Config, log *logging.Logger, clk clock.Clock, bus *events.Bus, idGen ids.Generator, selfUpdateCron string, selfUpdateDryRun bool) *Scheduler {
	s := &Scheduler{
		engine:           engine,
		store:            store,
		auto:             auto,
		self:             self,
		cfg:              cfg,
		log:              log,
		clock:            clk,
		bus:              bus,
		ids:              idGen,
		selfUpdateDryRun: selfUpdateDryRun,
	}
	if selfUpdateCron != "" {
		sched, err := parseSchedule(selfUpdateCron)
		if err != nil {
			log.Warn("self-update job disabled: invalid cron expression", "expr", selfUpdateCron, "error", err)
		} else {
			s.selfSchedule = sched
		}
	}
	return s
}

// Run starts both job loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runAutoUpdateLoop(ctx)
	}()
	if s.selfSchedule != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runSelfUpdateLoop(ctx)
		}()
	} else {
		s.log.Info("self-update job disabled: no cron expression configured")
	}
	wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runAutoUpdateLoop(ctx context.Context) {
	for {
		select {
		case <-s.clock.After(s.cfg.AutoUpdateInterval()):
			s.tickAutoUpdate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runSelfUpdateLoop(ctx context.Context) {
	for {
		now := s.clock.Now()
		wait := s.selfSchedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-s.clock.After(wait):
			s.tickSelfUpdate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tickAutoUpdate fires on the interval timer. If the previous auto-update
// task hasn't reached a terminal state it skips this tick and records a
// scheduler-skip event instead of creating a new task.
func (s *Scheduler) tickAutoUpdate(ctx context.Context) {
	s.mu.Lock()
	prev := s.autoTaskID
	s.mu.Unlock()

	if prev != "" {
		if task, err := s.store.GetTask(prev); err == nil && !isTerminal(task.Status) {
			s.logSkip("auto-update", prev)
			return
		}
	}

	iter := s.nextIteration()
	task, err := s.engine.CreateTask(domain.KindScheduler, domain.Trigger{Source: "scheduler", SchedulerIteration: iter}, nil, "auto-update tick", nil)
	if err != nil {
		s.log.Error("failed to create auto-update task", "error", err)
		return
	}
	s.mu.Lock()
	s.autoTaskID = task.TaskID
	s.mu.Unlock()
	s.bus.PublishTaskStatus(task.TaskID, domain.StatusPending)

	go s.auto.RunAutoUpdate(ctx, task.TaskID)
}

// tickSelfUpdate fires on the configured cron schedule.
func (s *Scheduler) tickSelfUpdate(ctx context.Context) {
	s.mu.Lock()
	prev := s.selfTaskID
	s.mu.Unlock()

	if prev != "" {
		if task, err := s.store.GetTask(prev); err == nil && !isTerminal(task.Status) {
			s.logSkip("self-update", prev)
			return
		}
	}

	iter := s.nextIteration()
	task, err := s.engine.CreateTask(domain.KindSelfUpdate, domain.Trigger{Source: "scheduler", SchedulerIteration: iter}, nil, "self-update tick", map[string]any{"dry_run": s.selfUpdateDryRun})
	if err != nil {
		s.log.Error("failed to create self-update task", "error", err)
		return
	}
	s.mu.Lock()
	s.selfTaskID = task.TaskID
	s.mu.Unlock()
	s.bus.PublishTaskStatus(task.TaskID, domain.StatusPending)

	go s.self.RunSelfUpdate(ctx, task.TaskID, s.selfUpdateDryRun)
}

func (s *Scheduler) nextIteration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

func (s *Scheduler) logSkip(job, runningTaskID string) {
	s.log.Warn("scheduler-skip", "job", job, "task_id", runningTaskID)
	metrics.SchedulerSkips.WithLabelValues(job).Inc()
	_ = s.store.RecordEvent(domain.Event{
		RequestID: s.ids.New(),
		TS:        s.clock.Now().Unix(),
		Action:    domain.ActionSchedulerSkip,
		Meta:      map[string]any{"job": job},
		TaskID:    runningTaskID,
	})
}
