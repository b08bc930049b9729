// Package taskengine owns the lifecycle of every Task: creation, unit
// aggregation, cooperative stop, force stop, and retry. State is
// mutex-guarded in-memory control state backed by Store, with an
// events.Bus publish on every mutation, and a sync.Map of per-task
// cancel/kill controls.
package taskengine

import (
	"sync"
	"time"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/events"
	"github.com/poduptrigger/poduptrigger/internal/ids"
	"github.com/poduptrigger/poduptrigger/internal/metrics"
	"github.com/poduptrigger/poduptrigger/internal/store"
)

// Clock abstracts wall-clock access for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the standard library.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// control tracks the in-flight cancellation/kill state for a running task.
// cancelRequested is observed by the Executor at its next safe checkpoint;
// kill, if registered, lets ForceStop terminate an in-flight child process
// immediately.
type control struct {
	mu              sync.Mutex
	cancelRequested bool
	kill            func()
}

// Engine is the TaskEngine: the sole owner of task lifecycle state.
type Engine struct {
	store *store.Store
	bus   *events.Bus
	clock Clock
	idGen ids.Generator

	controls sync.Map // task_id -> *control
}

// New builds an Engine.
func New(s *store.Store, bus *events.Bus, clock Clock, idGen ids.Generator) *Engine {
	if clock == nil {
		clock = RealClock{}
	}
	return &Engine{store: s, bus: bus, clock: clock, idGen: idGen}
}

func (e *Engine) now() int64 { return e.clock.Now().Unix() }

// CreateTask builds and persists a new task with its units in the pending
// state, writing the task, its units, and a task-created log atomically.
func (e *Engine) CreateTask(kind string, trigger domain.Trigger, unitNames []string, summary string, meta map[string]any) (*domain.Task, error) {
	now := e.now()
	task := domain.Task{
		TaskID:    e.idGen.New(),
		Kind:      kind,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Summary:   summary,
		Meta:      meta,
		Trigger:   trigger,
		CanStop:   false,
		CanRetry:  false,
	}
	units := make([]domain.TaskUnit, 0, len(unitNames))
	for _, u := range unitNames {
		units = append(units, domain.TaskUnit{
			TaskID: task.TaskID,
			Unit:   u,
			Status: domain.StatusPending,
			Phase:  domain.PhaseQueued,
		})
	}
	if err := e.store.CreateTask(task, units); err != nil {
		return nil, err
	}
	metrics.TasksTotal.WithLabelValues(kind).Inc()
	e.bus.Publish(events.Notification{Kind: events.KindTaskCreated, TaskID: task.TaskID, Status: task.Status, Timestamp: e.clock.Now()})
	return &task, nil
}

// MarkRunning transitions a task to running and registers its control
// block so Stop/ForceStop have somewhere to record a cancel request.
func (e *Engine) MarkRunning(taskID string) (bool, error) {
	e.controls.LoadOrStore(taskID, &control{})
	ok, err := e.store.UpdateTaskStatus(taskID, domain.StatusRunning, e.now())
	if err == nil && ok {
		e.setCapabilities(taskID, true)
		e.bus.PublishTaskStatus(taskID, domain.StatusRunning)
	}
	return ok, err
}

// setCapabilities updates the can_stop/can_force_stop/can_retry UI hints to
// match a task's new lifecycle phase.
func (e *Engine) setCapabilities(taskID string, running bool) {
	_ = e.store.TouchTask(taskID, func(t *domain.Task) {
		t.CanStop = running
		t.CanForceStop = running
		t.CanRetry = domain.IsTerminal(t.Status)
	})
}

// Finish transitions a task to a terminal status directly — used when an
// executor has no units, so the task's final status is its own.
func (e *Engine) Finish(taskID, status string) (bool, error) {
	prior, _ := e.store.GetTask(taskID)
	now := e.now()
	ok, err := e.store.UpdateTaskStatus(taskID, status, now)
	if err == nil && ok {
		e.controls.Delete(taskID)
		e.setCapabilities(taskID, false)
		e.bus.PublishTaskStatus(taskID, status)
		if prior != nil {
			metrics.TasksFinished.WithLabelValues(prior.Kind, status).Inc()
			if prior.CreatedAt > 0 {
				metrics.TaskDuration.WithLabelValues(prior.Kind).Observe(float64(now - prior.CreatedAt))
			}
		}
	}
	return ok, err
}

// AppendLog records a timeline entry for a task.
func (e *Engine) AppendLog(taskID, level, action, summary, unit string, meta map[string]any) error {
	return e.store.AppendTaskLog(domain.TaskLog{
		TaskID:  taskID,
		TS:      e.now(),
		Level:   level,
		Action:  action,
		Summary: summary,
		Unit:    unit,
		Meta:    meta,
	})
}

// UpdateUnitStatus patches a unit's sub-state and re-runs aggregation if the
// new status is terminal.
func (e *Engine) UpdateUnitStatus(taskID, unit, status, phase, message, errText string) error {
	units, err := e.store.ListUnits(taskID)
	if err != nil {
		return err
	}
	now := e.now()
	for _, u := range units {
		if u.Unit != unit {
			continue
		}
		if u.StartedAt == 0 && status == domain.StatusRunning {
			u.StartedAt = now
		}
		u.Status = status
		u.Phase = phase
		u.Message = message
		u.Error = errText
		if domain.IsTerminal(status) {
			u.FinishedAt = now
			if u.StartedAt != 0 {
				u.DurationMS = (now - u.StartedAt) * 1000
			}
		}
		if err := e.store.UpdateUnit(u); err != nil {
			return err
		}
		break
	}
	e.bus.PublishUnitStatus(taskID, unit, status)
	if domain.IsTerminal(status) {
		return e.aggregate(taskID)
	}
	return nil
}

// aggregate derives a task's terminal status from its units once every unit
// has reached a terminal state.
func (e *Engine) aggregate(taskID string) error {
	units, err := e.store.ListUnits(taskID)
	if err != nil || len(units) == 0 {
		return err
	}
	anyNonTerminal := false
	anyFailed := false
	anyCancelled := false
	allSkipped := true
	for _, u := range units {
		if !domain.IsTerminal(u.Status) {
			anyNonTerminal = true
		}
		if u.Status == domain.StatusFailed {
			anyFailed = true
		}
		if u.Status == domain.StatusCancelled {
			anyCancelled = true
		}
		if u.Status != domain.StatusSkipped {
			allSkipped = false
		}
	}
	if anyNonTerminal {
		return nil
	}
	final := domain.StatusSucceeded
	switch {
	case allSkipped:
		final = domain.StatusSkipped
	case anyFailed:
		final = domain.StatusFailed
	case anyCancelled:
		final = domain.StatusCancelled
	}
	_, err = e.Finish(taskID, final)
	return err
}

// RegisterKill attaches a kill function the Executor hands over once it has
// a live child process, so ForceStop can reach it.
func (e *Engine) RegisterKill(taskID string, kill func()) {
	v, _ := e.controls.LoadOrStore(taskID, &control{})
	c := v.(*control)
	c.mu.Lock()
	c.kill = kill
	c.mu.Unlock()
}

// StopRequested reports whether Stop has been called for taskID — the
// Executor polls this between sub-steps to implement cooperative stop.
func (e *Engine) StopRequested(taskID string) bool {
	v, ok := e.controls.Load(taskID)
	if !ok {
		return false
	}
	c := v.(*control)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

// Stop flips the cooperative cancellation flag for a running task. Returns
// false if the task isn't currently running.
func (e *Engine) Stop(taskID string) (bool, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task.Status != domain.StatusRunning {
		return false, nil
	}
	v, _ := e.controls.LoadOrStore(taskID, &control{})
	c := v.(*control)
	c.mu.Lock()
	c.cancelRequested = true
	c.mu.Unlock()
	return true, nil
}

// ForceStop kills any registered child process and immediately transitions
// the task to failed with a task-force-killed log entry. Idempotent once
// the task is terminal.
func (e *Engine) ForceStop(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(task.Status) {
		return nil
	}
	if v, ok := e.controls.Load(taskID); ok {
		c := v.(*control)
		c.mu.Lock()
		kill := c.kill
		c.cancelRequested = true
		c.mu.Unlock()
		if kill != nil {
			kill()
		}
	}
	if err := e.AppendLog(taskID, domain.LevelError, domain.ActionTaskForceKilled, "task force-killed", "", nil); err != nil {
		return err
	}
	_, err = e.Finish(taskID, domain.StatusFailed)
	return err
}

// Retry creates a fresh task copying the original's units, trigger and
// meta, linked via retry_of. Only valid on terminal tasks.
func (e *Engine) Retry(taskID string) (*domain.Task, error) {
	detail, err := e.store.GetTaskWithLogs(taskID)
	if err != nil {
		return nil, err
	}
	if !domain.IsTerminal(detail.Task.Status) {
		return nil, ErrNotTerminal
	}
	unitNames := make([]string, 0, len(detail.Units))
	for _, u := range detail.Units {
		unitNames = append(unitNames, u.Unit)
	}
	newTask, err := e.CreateTask(detail.Task.Kind, detail.Task.Trigger, unitNames, detail.Task.Summary, detail.Task.Meta)
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchTask(newTask.TaskID, func(t *domain.Task) {
		t.RetryOf = taskID
	}); err != nil {
		return nil, err
	}
	newTask.RetryOf = taskID
	return newTask, nil
}

// Detail is the aggregated task view for GET /api/tasks/:id, carrying the
// has_warnings/warning_count UI hints.
type Detail struct {
	store.TaskDetail
	HasWarnings  bool `json:"has_warnings"`
	WarningCount int  `json:"warning_count"`
}

// GetDetail returns a task with its units, logs, and warning summary.
func (e *Engine) GetDetail(taskID string) (*Detail, error) {
	raw, err := e.store.GetTaskWithLogs(taskID)
	if err != nil {
		return nil, err
	}
	d := &Detail{TaskDetail: *raw}
	for _, l := range raw.Logs {
		if l.Level == domain.LevelWarning || l.Level == domain.LevelError {
			d.WarningCount++
		}
	}
	d.HasWarnings = d.WarningCount > 0
	return d, nil
}

// List proxies to the Store, the Dispatcher's GET /api/tasks backing call.
func (e *Engine) List(filter store.TaskFilter, page store.Page) ([]domain.Task, error) {
	return e.store.ListTasks(filter, page)
}
