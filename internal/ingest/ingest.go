// Package ingest is the ReportIngester: it scans a drop-box directory for
// self-update-*.json reports written by the self-update command and turns
// each into a self-update task.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/poduptrigger/poduptrigger/internal/clock"
	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/ids"
	"github.com/poduptrigger/poduptrigger/internal/logging"
	"github.com/poduptrigger/poduptrigger/internal/metrics"
)

const selfUpdateUnit = "pod-upgrade-trigger-http.service"

// report is the on-disk shape written by the self-update command. ExitCode
// is a pointer so a report that omits the field is distinguishable from one
// that explicitly reports a successful exit 0.
type report struct {
	Type       string `json:"type"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code"`
	DryRun     bool   `json:"dry_run"`
	StderrTail string `json:"stderr_tail"`
	RunnerPID  int    `json:"runner_pid"`
}

func (r report) validate() error {
	var missing []string
	if r.Type != "self-update-run" {
		missing = append(missing, "type")
	}
	if r.StartedAt == 0 {
		missing = append(missing, "started_at")
	}
	if r.FinishedAt == 0 {
		missing = append(missing, "finished_at")
	}
	if r.Status == "" {
		missing = append(missing, "status")
	}
	if r.ExitCode == nil {
		missing = append(missing, "exit_code")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing or invalid required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TaskEngine is the subset of taskengine.Engine needed to record an
// imported report as a task.
type TaskEngine interface {
	CreateTask(kind string, trigger domain.Trigger, unitNames []string, summary string, meta map[string]any) (*domain.Task, error)
	MarkRunning(taskID string) (bool, error)
	AppendLog(taskID, level, action, summary, unit string, meta map[string]any) error
	Finish(taskID, status string) (bool, error)
}

// Store is the subset of store.Store needed for idempotency tracking and
// failure events.
type Store interface {
	WasImported(key string) (bool, error)
	MarkImported(key string) error
	RecordEvent(e domain.Event) error
}

// Ingester scans Dir on a fixed interval for self-update-*.json reports.
type Ingester struct {
	Dir string

	engine TaskEngine
	store  Store
	clock  clock.Clock
	ids    ids.Generator
	log    *logging.Logger
}

// New builds an Ingester.
func New(dir string, engine TaskEngine, store Store, clk clock.Clock, idGen ids.Generator, log *logging.Logger) *Ingester {
	return &Ingester{Dir: dir, engine: engine, store: store, clock: clk, ids: idGen, log: log}
}

// Run scans Dir every interval until ctx is cancelled. The production
// interval is 60s; tests pass a shorter one.
func (in *Ingester) Run(ctx context.Context, interval time.Duration) error {
	if in.Dir == "" {
		in.log.Info("report ingester disabled: no report directory configured")
		<-ctx.Done()
		return nil
	}
	in.Scan()
	for {
		select {
		case <-in.clock.After(interval):
			in.Scan()
		case <-ctx.Done():
			return nil
		}
	}
}

// Scan processes every ready self-update-*.json file in Dir once. Exported
// so the daemon can trigger an out-of-band scan (e.g. on shutdown drain).
func (in *Ingester) Scan() {
	matches, err := filepath.Glob(filepath.Join(in.Dir, "self-update-*.json"))
	if err != nil {
		in.log.Error("report ingester glob failed", "dir", in.Dir, "error", err)
		return
	}
	sort.Strings(matches)
	for _, path := range matches {
		in.processFile(path)
	}
}

func (in *Ingester) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Writers write *.json.tmp then rename into place; a transient read
		// failure on a file mid-rename is expected and just retried next tick.
		in.log.Warn("report ingester read failed, will retry", "path", path, "error", err)
		return
	}

	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		in.reject(path, fmt.Sprintf("parse error: %v", err))
		return
	}
	if err := rep.validate(); err != nil {
		in.reject(path, err.Error())
		return
	}

	key := idempotencyKey(rep, data)
	imported, err := in.store.WasImported(key)
	if err != nil {
		in.log.Error("report ingester idempotency check failed", "path", path, "error", err)
		return
	}
	if imported {
		metrics.ReportsImported.WithLabelValues("duplicate").Inc()
		in.finalize(path, path+".imported")
		return
	}

	if err := in.importReport(rep); err != nil {
		metrics.ReportsImported.WithLabelValues("failed").Inc()
		in.warn(path, err)
		return
	}
	if err := in.store.MarkImported(key); err != nil {
		in.log.Error("report ingester failed to record idempotency key", "path", path, "error", err)
	}
	metrics.ReportsImported.WithLabelValues("imported").Inc()
	in.finalize(path, path+".imported")
}

// idempotencyKey prefers (runner_pid, started_at); a runner that doesn't
// report its pid falls back to a content hash.
func idempotencyKey(rep report, raw []byte) string {
	if rep.RunnerPID != 0 {
		return fmt.Sprintf("pid:%d:%d", rep.RunnerPID, rep.StartedAt)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (in *Ingester) importReport(rep report) error {
	task, err := in.engine.CreateTask(domain.KindSelfUpdate, domain.Trigger{Source: "report-ingester"}, []string{selfUpdateUnit}, "self-update report", map[string]any{"dry_run": rep.DryRun})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if _, err := in.engine.MarkRunning(task.TaskID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	level := domain.LevelInfo
	succeeded := rep.Status == "succeeded" || rep.Status == "success"
	if !succeeded {
		level = domain.LevelError
	}
	meta := map[string]any{
		"dry_run":     rep.DryRun,
		"exit_code":   *rep.ExitCode,
		"started_at":  rep.StartedAt,
		"finished_at": rep.FinishedAt,
		"status":      rep.Status,
	}
	if err := in.engine.AppendLog(task.TaskID, level, domain.ActionSelfUpdateRun, rep.StderrTail, selfUpdateUnit, meta); err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	status := domain.StatusSucceeded
	if !succeeded {
		status = domain.StatusFailed
	}
	if _, err := in.engine.Finish(task.TaskID, status); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

func (in *Ingester) reject(path, reason string) {
	in.log.Warn("report ingester rejected malformed file", "path", path, "reason", reason)
	metrics.ReportsImported.WithLabelValues("rejected").Inc()
	if err := os.Rename(path, path+".rejected"); err != nil {
		in.log.Error("report ingester failed to rename rejected file", "path", path, "error", err)
	}
}

func (in *Ingester) warn(path string, cause error) {
	in.log.Error("report ingester failed to import report, leaving file in place", "path", path, "error", cause)
	_ = in.store.RecordEvent(domain.Event{
		RequestID: in.ids.New(),
		TS:        in.clock.Now().Unix(),
		Action:    "self-update-report-failed",
		Meta:      map[string]any{"path": path, "error": cause.Error()},
	})
}

func (in *Ingester) finalize(from, to string) {
	if err := os.Rename(from, to); err != nil {
		in.log.Error("report ingester failed to rename imported file", "from", from, "to", to, "error", err)
	}
}
