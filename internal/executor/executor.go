package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/imageref"
	"github.com/poduptrigger/poduptrigger/internal/taskengine"
)

// DigestStore is the advisory RegistryDigestCache write side. The
// Dispatcher reads it back through Store.GetDigestCache before dispatching
// a new webhook task.
type DigestStore interface {
	SetDigestCache(entry domain.DigestCacheEntry) error
}

// maxOutputBytes is the fixed cap command stdout/stderr is truncated to
// before persistence.
const maxOutputBytes = 16 * 1024

// journalLines is N in UnitController.journal(unit, N) — how many trailing
// journal lines best-effort diagnostics requests.
const journalLines = 200

// unitStepTimeout bounds a single unit's pull+restart+diagnose sequence so a
// wedged capability call can't hang a task forever.
const unitStepTimeout = 2 * time.Minute

// Executor runs task bodies, handing status/log updates back to the
// TaskEngine; each Run* call handles one task, and concurrent calls are not
// serialised. Each task kind — unit-refresh, auto-update run, self-update,
// maintenance — gets its own Run* method below.
type Executor struct {
	engine      *taskengine.Engine
	units       UnitController
	images      ImagePuller
	selfUpdate  SelfUpdateRunner
	digests     DigestStore
	diagnostics bool
}

// New builds an Executor. diagnostics enables the best-effort
// status/journal calls on unit restart failure.
func New(engine *taskengine.Engine, units UnitController, images ImagePuller, diagnostics bool) *Executor {
	return &Executor{engine: engine, units: units, images: images, diagnostics: diagnostics}
}

// SetSelfUpdateRunner attaches the capability RunSelfUpdate uses. Left unset
// in deployments with no X_SELF_UPDATE_COMMAND configured.
func (x *Executor) SetSelfUpdateRunner(r SelfUpdateRunner) {
	x.selfUpdate = r
}

// SetDigestStore attaches the RegistryDigestCache write side. Left unset in
// tests that don't exercise the dedup path.
func (x *Executor) SetDigestStore(d DigestStore) {
	x.digests = d
}

// RunUnitRefresh executes the unit-refresh body for taskID: pull (optional),
// restart/start, diagnose-on-failure, prune-on-success, one unit at a time in
// order. Recovers any panic into a task-dispatch-failed log and a failed
// task.
func (x *Executor) RunUnitRefresh(ctx context.Context, taskID string, specs []UnitSpec) {
	defer x.recoverDispatch(taskID)

	// A task whose units are all dry-run never runs, so it can finish as
	// skipped straight from pending.
	allDry := len(specs) > 0
	for _, spec := range specs {
		allDry = allDry && spec.DryRun
	}
	if !allDry {
		if _, err := x.engine.MarkRunning(taskID); err != nil {
			x.dispatchFailed(taskID, fmt.Errorf("mark running: %w", err))
			return
		}
	}

	stopped := false
	for _, spec := range specs {
		if !stopped && x.engine.StopRequested(taskID) {
			stopped = true
			_, _ = x.engine.Finish(taskID, domain.StatusCancelled)
		}
		if stopped {
			x.skipUnit(taskID, spec.Unit, "task stopped before this unit started")
			continue
		}
		x.runUnitStep(ctx, taskID, spec)
	}
}

func (x *Executor) skipUnit(taskID, unit, message string) {
	_ = x.engine.UpdateUnitStatus(taskID, unit, domain.StatusSkipped, "", message, "")
}

// runUnitStep performs one unit's pull/restart/diagnose/prune sequence.
func (x *Executor) runUnitStep(parent context.Context, taskID string, spec UnitSpec) {
	ctx, cancel := context.WithTimeout(parent, unitStepTimeout)
	defer cancel()

	if spec.DryRun {
		x.skipUnit(taskID, spec.Unit, "dry run")
		return
	}

	_ = x.engine.UpdateUnitStatus(taskID, spec.Unit, domain.StatusRunning, domain.PhasePullingImage, "", "")

	if spec.Image != "" {
		res, err := x.images.Pull(ctx, spec.Image)
		x.logCommand(taskID, domain.ActionImagePull, "pull", spec.Unit, spec.Image, res, err)
		if err != nil {
			x.failUnit(ctx, taskID, spec.Unit, "image pull failed", err, res)
			return
		}
	}

	_ = x.engine.UpdateUnitStatus(taskID, spec.Unit, domain.StatusRunning, domain.PhaseRestarting, "", "")

	action := domain.ActionRestartUnit
	var res CommandResult
	var err error
	if spec.StartOnly {
		action = domain.ActionStartUnit
		res, err = x.units.Start(ctx, spec.Unit)
	} else {
		res, err = x.units.Restart(ctx, spec.Unit)
	}
	x.logCommand(taskID, action, "restart", spec.Unit, spec.Image, res, err)
	if err != nil || res.Exit != 0 {
		x.failUnit(ctx, taskID, spec.Unit, "unit restart failed", err, res)
		return
	}

	if x.images != nil {
		if pres, perr := x.images.Prune(ctx); perr != nil {
			x.engine.AppendLog(taskID, domain.LevelWarning, domain.ActionImagePull, "post-redeploy prune failed: "+perr.Error(), spec.Unit, commandMeta("prune", spec.Unit, "", pres, perr))
		} else {
			x.logCommand(taskID, domain.ActionImagePull, "prune", spec.Unit, "", pres, nil)
		}
	}

	_ = x.engine.UpdateUnitStatus(taskID, spec.Unit, domain.StatusSucceeded, domain.PhaseDone, "restarted", "")
	x.recordDigest(spec.Image)
}

// recordDigest upserts the RegistryDigestCache entry for image's bucket once
// a unit refresh has actually succeeded — a pull that was followed by a
// failed restart never reaches here, so the cache only ever reflects what is
// actually running. Keyed by tag rather than a resolved registry content
// digest: the Dispatcher only ever has the tag a webhook payload names, so
// that's the only value a future dedup check can compare against.
func (x *Executor) recordDigest(image string) {
	if x.digests == nil || image == "" {
		return
	}
	_, tag := imageref.SplitTag(image)
	if tag == "" {
		return
	}
	_ = x.digests.SetDigestCache(domain.DigestCacheEntry{
		Key:       imageref.Bucket(image),
		Digest:    tag,
		Status:    "deployed",
		CheckedAt: time.Now().Unix(),
	})
}

// failUnit marks a unit failed and, when diagnostics are enabled, runs
// best-effort UnitController.status/.journal calls.
func (x *Executor) failUnit(ctx context.Context, taskID, unit, message string, err error, res CommandResult) {
	errText := summariseFailure(err, res)
	_ = x.engine.UpdateUnitStatus(taskID, unit, domain.StatusFailed, domain.PhaseDone, message, errText)

	if !x.diagnostics {
		return
	}
	if statusRes, statusErr := x.units.Status(ctx, unit); statusErr != nil {
		x.engine.AppendLog(taskID, domain.LevelWarning, domain.ActionUnitHealthCheck, "diagnose-status unreachable: "+statusErr.Error(), unit, nil)
	} else {
		x.logCommand(taskID, domain.ActionUnitHealthCheck, "diagnose-status", unit, "", statusRes, nil)
	}
	if journalRes, journalErr := x.units.Journal(ctx, unit, journalLines); journalErr != nil {
		x.engine.AppendLog(taskID, domain.LevelWarning, domain.ActionUnitHealthCheck, "diagnose-journal unreachable: "+journalErr.Error(), unit, nil)
	} else {
		x.logCommand(taskID, domain.ActionUnitHealthCheck, "diagnose-journal", unit, "", journalRes, nil)
	}
}

// summariseFailure builds the unit's one-line error field: "<exit> <tail of
// stderr>", or the capability error itself if the call never returned a
// result.
func summariseFailure(err error, res CommandResult) string {
	if err != nil && res.Stderr == "" {
		return err.Error()
	}
	return fmt.Sprintf("exit %d: %s", res.Exit, tail(res.Stderr, 200))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// logCommand appends a command-meta task log entry, truncating stdout/stderr
// to maxOutputBytes first.
func (x *Executor) logCommand(taskID, action, purpose, unit, image string, res CommandResult, err error) {
	level := domain.LevelInfo
	summary := fmt.Sprintf("%s %s", action, unit)
	if err != nil {
		level = domain.LevelError
		summary = fmt.Sprintf("%s %s failed: %v", action, unit, err)
	} else if res.Exit != 0 {
		level = domain.LevelError
		summary = fmt.Sprintf("%s %s exited %d", action, unit, res.Exit)
	}
	x.engine.AppendLog(taskID, level, action, summary, unit, commandMeta(purpose, unit, image, res, err))
}

// commandMeta builds the meta.type="command" TaskLog payload, truncating
// outputs to the fixed byte cap noted in its meta.human_cap.
func commandMeta(purpose, unit, image string, res CommandResult, err error) map[string]any {
	stdout, stdoutTrunc := truncate(res.Stdout)
	stderr, stderrTrunc := truncate(res.Stderr)
	cm := domain.CommandMeta{
		Type:            "command",
		Command:         strings.Join(res.Argv, " "),
		Argv:            res.Argv,
		Exit:            res.Exit,
		Stdout:          stdout,
		Stderr:          stderr,
		TruncatedStdout: stdoutTrunc,
		TruncatedStderr: stderrTrunc,
		Unit:            unit,
		Image:           image,
		Purpose:         purpose,
	}
	raw, _ := json.Marshal(cm)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	if err != nil {
		out["capability_error"] = err.Error()
	}
	out["human_cap"] = units.HumanSize(float64(maxOutputBytes))
	return out
}

// truncate caps s to maxOutputBytes, reporting whether it cut anything.
func truncate(s string) (string, bool) {
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return s[:maxOutputBytes], true
}

// RunSelfUpdate executes the self-update task body: run the configured
// self-update command, log it as a single command entry with meta.dry_run,
// and finish the task by its exit code.
func (x *Executor) RunSelfUpdate(ctx context.Context, taskID string, dryRun bool) {
	defer x.recoverDispatch(taskID)

	if x.selfUpdate == nil {
		x.engine.AppendLog(taskID, domain.LevelWarning, domain.ActionTaskDispatchFailed, "no self-update command configured", "", nil)
		_, _ = x.engine.Finish(taskID, domain.StatusSkipped)
		return
	}

	if _, err := x.engine.MarkRunning(taskID); err != nil {
		x.dispatchFailed(taskID, fmt.Errorf("mark running: %w", err))
		return
	}

	res, err := x.selfUpdate.Run(ctx)
	meta := commandMeta("self-update", "", "", res, err)
	meta["dry_run"] = dryRun
	level := domain.LevelInfo
	summary := "self-update command finished"
	if err != nil || res.Exit != 0 {
		level = domain.LevelError
		summary = "self-update command failed"
	}
	x.engine.AppendLog(taskID, level, domain.ActionSelfUpdateRun, summary, "", meta)

	status := domain.StatusSucceeded
	if err != nil || res.Exit != 0 {
		status = domain.StatusFailed
	}
	_, _ = x.engine.Finish(taskID, status)
}

// RunAutoUpdate executes the auto-update-run body: invoke the provider's
// native mechanism, scan any JSONL it produced on stdout for warning/error
// events, and summarise them.
func (x *Executor) RunAutoUpdate(ctx context.Context, taskID string) {
	defer x.recoverDispatch(taskID)

	if _, err := x.engine.MarkRunning(taskID); err != nil {
		x.dispatchFailed(taskID, fmt.Errorf("mark running: %w", err))
		return
	}

	res, err := x.units.RunAutoUpdate(ctx)
	x.logCommand(taskID, domain.ActionAutoUpdateWarnings, "auto-update", "", "", res, err)
	if err != nil {
		_, _ = x.engine.Finish(taskID, domain.StatusFailed)
		return
	}

	warnings := scanAutoUpdateEvents(res.Stdout)
	x.engine.AppendLog(taskID, domain.LevelInfo, domain.ActionAutoUpdateWarnings,
		fmt.Sprintf("auto-update run produced %d warning(s)", len(warnings)), "", map[string]any{"count": len(warnings)})
	for _, w := range warnings {
		x.engine.AppendLog(taskID, domain.LevelWarning, domain.ActionAutoUpdateWarning, w.Message, w.Unit, map[string]any{"raw": w.Raw})
	}

	status := domain.StatusSucceeded
	if res.Exit != 0 {
		status = domain.StatusFailed
	}
	_, _ = x.engine.Finish(taskID, status)
}

// autoUpdateEvent is one line of the provider's auto-update JSONL output.
type autoUpdateEvent struct {
	Unit    string `json:"unit"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Raw     string `json:"-"`
}

// scanAutoUpdateEvents parses JSONL and keeps only warning/error lines.
// Malformed lines are skipped silently — the summary count is best-effort.
func scanAutoUpdateEvents(jsonl string) []autoUpdateEvent {
	var out []autoUpdateEvent
	scanner := bufio.NewScanner(strings.NewReader(jsonl))
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev autoUpdateEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Level != domain.LevelWarning && ev.Level != domain.LevelError {
			continue
		}
		ev.Raw = string(line)
		out = append(out, ev)
	}
	return out
}

// MaintenanceCounts is the result of a maintenance task body.
type MaintenanceCounts struct {
	TokensPurged int
	LocksSwept   int
	LegacyFiles  int
}

// Maintenance is the store side of the maintenance task body — the
// Dispatcher's POST /api/prune-state handler runs the token and lock sweeps
// and passes the resulting counts here for logging, since each is a distinct
// store concern rather than a capability call. No caller purges legacy
// files, so the purge_legacy_files entry logs LegacyFiles as given (0 from
// that handler).
func (x *Executor) Maintenance(taskID string, counts MaintenanceCounts) {
	defer x.recoverDispatch(taskID)

	if _, err := x.engine.MarkRunning(taskID); err != nil {
		x.dispatchFailed(taskID, fmt.Errorf("mark running: %w", err))
		return
	}

	x.engine.AppendLog(taskID, domain.LevelInfo, "prune_state_tokens", "pruned expired rate-limit tokens", "",
		map[string]any{"count": counts.TokensPurged})
	x.engine.AppendLog(taskID, domain.LevelInfo, "sweep_locks", "swept expired image locks", "",
		map[string]any{"count": counts.LocksSwept})
	x.engine.AppendLog(taskID, domain.LevelInfo, "purge_legacy_files", "purged legacy files", "",
		map[string]any{"count": counts.LegacyFiles})

	_, _ = x.engine.Finish(taskID, domain.StatusSucceeded)
}

// recoverDispatch is the executor's panic boundary: emit a
// task-dispatch-failed log, mark status=failed, and continue.
func (x *Executor) recoverDispatch(taskID string) {
	if r := recover(); r != nil {
		x.dispatchFailed(taskID, fmt.Errorf("panic: %v", r))
	}
}

func (x *Executor) dispatchFailed(taskID string, err error) {
	x.engine.AppendLog(taskID, domain.LevelError, domain.ActionTaskDispatchFailed, err.Error(), "", nil)
	_, _ = x.engine.Finish(taskID, domain.StatusFailed)
}
