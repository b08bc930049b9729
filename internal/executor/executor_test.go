package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/events"
	"github.com/poduptrigger/poduptrigger/internal/store"
	"github.com/poduptrigger/poduptrigger/internal/taskengine"
)

// recordingUnits is a fake UnitController that records every call it
// receives and lets a test script canned results per unit (spec.md §9
// "Tests substitute recording fakes").
type recordingUnits struct {
	restarts map[string]CommandResult
	starts   map[string]CommandResult
	errs     map[string]error
	calls    []string
}

func (f *recordingUnits) Restart(_ context.Context, unit string) (CommandResult, error) {
	f.calls = append(f.calls, "restart:"+unit)
	return f.restarts[unit], f.errs[unit]
}

func (f *recordingUnits) Start(_ context.Context, unit string) (CommandResult, error) {
	f.calls = append(f.calls, "start:"+unit)
	return f.starts[unit], f.errs[unit]
}

func (f *recordingUnits) Status(_ context.Context, unit string) (CommandResult, error) {
	f.calls = append(f.calls, "status:"+unit)
	return CommandResult{Argv: []string{"systemctl", "status", unit}, Exit: 0, Stdout: "active"}, nil
}

func (f *recordingUnits) Journal(_ context.Context, unit string, lines int) (CommandResult, error) {
	f.calls = append(f.calls, "journal:"+unit)
	return CommandResult{Argv: []string{"journalctl", "-u", unit, "-n", "200"}, Exit: 0}, nil
}

func (f *recordingUnits) RunAutoUpdate(_ context.Context) (CommandResult, error) {
	f.calls = append(f.calls, "run_auto_update")
	return f.restarts["__auto_update__"], f.errs["__auto_update__"]
}

type recordingImages struct {
	pulls   map[string]CommandResult
	errs    map[string]error
	pruneRes CommandResult
	pruneErr error
	calls   []string
}

func (f *recordingImages) Pull(_ context.Context, image string) (CommandResult, error) {
	f.calls = append(f.calls, "pull:"+image)
	return f.pulls[image], f.errs[image]
}

func (f *recordingImages) Prune(_ context.Context) (CommandResult, error) {
	f.calls = append(f.calls, "prune")
	return f.pruneRes, f.pruneErr
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeIDGen struct{ n int }

func (f *fakeIDGen) New() string {
	f.n++
	return "task-" + string(rune('a'+f.n-1))
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func newTestEngine(t *testing.T) *taskengine.Engine {
	t.Helper()
	s := testStore(t)
	return taskengine.New(s, events.New(), &fakeClock{t: time.Unix(1000, 0)}, &fakeIDGen{})
}

func TestRunUnitRefreshSuccess(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindWebhook, domain.Trigger{}, []string{"web.service"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	units := &recordingUnits{
		restarts: map[string]CommandResult{"web.service": {Argv: []string{"systemctl", "restart", "web.service"}, Exit: 0}},
		errs:     map[string]error{},
	}
	images := &recordingImages{pulls: map[string]CommandResult{"ghcr.io/acme/web:latest": {Exit: 0}}}

	x := New(engine, units, images, true)
	x.RunUnitRefresh(context.Background(), task.TaskID, []UnitSpec{{Unit: "web.service", Image: "ghcr.io/acme/web:latest"}})

	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Task.Status != domain.StatusSucceeded {
		t.Fatalf("task status = %q, want succeeded", detail.Task.Status)
	}
	if len(detail.Units) != 1 || detail.Units[0].Status != domain.StatusSucceeded {
		t.Fatalf("unit = %+v, want succeeded", detail.Units)
	}
	wantCalls := []string{"pull:ghcr.io/acme/web:latest", "restart:web.service", "prune"}
	if len(units.calls) != 1 || units.calls[0] != "restart:web.service" {
		t.Errorf("unit calls = %v", units.calls)
	}
	if len(images.calls) != 2 || images.calls[0] != wantCalls[0] || images.calls[1] != wantCalls[2] {
		t.Errorf("image calls = %v, want %v", images.calls, []string{wantCalls[0], wantCalls[2]})
	}
}

type recordingDigests struct {
	entries []domain.DigestCacheEntry
}

func (f *recordingDigests) SetDigestCache(e domain.DigestCacheEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func TestRunUnitRefreshRecordsDigestOnSuccess(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindWebhook, domain.Trigger{}, []string{"web.service"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	units := &recordingUnits{restarts: map[string]CommandResult{"web.service": {Exit: 0}}}
	images := &recordingImages{pulls: map[string]CommandResult{"ghcr.io/acme/web:v2": {Exit: 0}}}
	digests := &recordingDigests{}

	x := New(engine, units, images, true)
	x.SetDigestStore(digests)
	x.RunUnitRefresh(context.Background(), task.TaskID, []UnitSpec{{Unit: "web.service", Image: "ghcr.io/acme/web:v2"}})

	if len(digests.entries) != 1 {
		t.Fatalf("digest entries = %v, want exactly one", digests.entries)
	}
	if digests.entries[0].Digest != "v2" || digests.entries[0].Status != "deployed" {
		t.Errorf("digest entry = %+v, want tag v2 status deployed", digests.entries[0])
	}
}

func TestRunUnitRefreshSkipsDigestOnRestartFailure(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindWebhook, domain.Trigger{}, []string{"web.service"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	units := &recordingUnits{restarts: map[string]CommandResult{"web.service": {Exit: 1, Stderr: "boom"}}}
	images := &recordingImages{pulls: map[string]CommandResult{"ghcr.io/acme/web:v2": {Exit: 0}}}
	digests := &recordingDigests{}

	x := New(engine, units, images, true)
	x.SetDigestStore(digests)
	x.RunUnitRefresh(context.Background(), task.TaskID, []UnitSpec{{Unit: "web.service", Image: "ghcr.io/acme/web:v2"}})

	if len(digests.entries) != 0 {
		t.Errorf("digest entries = %v, want none after a failed restart", digests.entries)
	}
}

func TestRunUnitRefreshFailureRunsDiagnostics(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindManual, domain.Trigger{}, []string{"web.service"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	units := &recordingUnits{
		restarts: map[string]CommandResult{"web.service": {Exit: 1, Stderr: "failed to start web.service"}},
	}
	x := New(engine, units, &recordingImages{}, true)
	x.RunUnitRefresh(context.Background(), task.TaskID, []UnitSpec{{Unit: "web.service"}})

	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Task.Status != domain.StatusFailed {
		t.Fatalf("task status = %q, want failed", detail.Task.Status)
	}
	if detail.Units[0].Error == "" {
		t.Error("expected unit error to be set")
	}
	foundStatus, foundJournal := false, false
	for _, c := range units.calls {
		if c == "status:web.service" {
			foundStatus = true
		}
		if c == "journal:web.service" {
			foundJournal = true
		}
	}
	if !foundStatus || !foundJournal {
		t.Errorf("calls = %v, want status and journal diagnostics", units.calls)
	}
}

func TestRunUnitRefreshDryRunSkipsUnit(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindManual, domain.Trigger{}, []string{"web.service"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	units := &recordingUnits{}
	x := New(engine, units, &recordingImages{}, false)
	x.RunUnitRefresh(context.Background(), task.TaskID, []UnitSpec{{Unit: "web.service", DryRun: true}})

	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Task.Status != domain.StatusSkipped {
		t.Fatalf("task status = %q, want skipped", detail.Task.Status)
	}
	if len(units.calls) != 0 {
		t.Errorf("expected no capability calls on dry run, got %v", units.calls)
	}
}

func TestRunUnitRefreshStopRequestedSkipsRemaining(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindManual, domain.Trigger{}, []string{"a.service", "b.service"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.MarkRunning(task.TaskID); err != nil {
		t.Fatal(err)
	}
	if ok, err := engine.Stop(task.TaskID); err != nil || !ok {
		t.Fatalf("Stop: ok=%v err=%v", ok, err)
	}

	units := &recordingUnits{restarts: map[string]CommandResult{"a.service": {Exit: 0}, "b.service": {Exit: 0}}}
	x := New(engine, units, &recordingImages{}, false)
	x.RunUnitRefresh(context.Background(), task.TaskID, []UnitSpec{{Unit: "a.service"}, {Unit: "b.service"}})

	if len(units.calls) != 0 {
		t.Errorf("expected stop to skip all units, got calls %v", units.calls)
	}
	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range detail.Units {
		if u.Status != domain.StatusSkipped {
			t.Errorf("unit %s status = %q, want skipped", u.Unit, u.Status)
		}
	}
	if detail.Task.Status != domain.StatusCancelled {
		t.Errorf("task status = %q, want cancelled", detail.Task.Status)
	}
}

func TestRunAutoUpdateSummarisesWarnings(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindScheduler, domain.Trigger{}, nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	jsonl := `{"unit":"web.service","level":"info","message":"checked, up to date"}
{"unit":"api.service","level":"warning","message":"update pending manual review"}
not json at all
{"unit":"db.service","level":"error","message":"pull failed"}
`
	units := &recordingUnits{restarts: map[string]CommandResult{"__auto_update__": {Exit: 0, Stdout: jsonl}}}
	x := New(engine, units, &recordingImages{}, false)
	x.RunAutoUpdate(context.Background(), task.TaskID)

	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Task.Status != domain.StatusSucceeded {
		t.Fatalf("task status = %q, want succeeded", detail.Task.Status)
	}
	if detail.WarningCount != 2 {
		t.Errorf("WarningCount = %d, want 2", detail.WarningCount)
	}
	warnDetails := 0
	for _, l := range detail.Logs {
		if l.Action == domain.ActionAutoUpdateWarning {
			warnDetails++
		}
	}
	if warnDetails != 2 {
		t.Errorf("warning detail logs = %d, want 2", warnDetails)
	}
}

type recordingSelfUpdate struct {
	res CommandResult
	err error
}

func (f *recordingSelfUpdate) Run(_ context.Context) (CommandResult, error) {
	return f.res, f.err
}

func TestRunSelfUpdateSuccess(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindSelfUpdate, domain.Trigger{}, nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	x := New(engine, &recordingUnits{}, &recordingImages{}, false)
	x.SetSelfUpdateRunner(&recordingSelfUpdate{res: CommandResult{Argv: []string{"/usr/local/bin/self-update.sh"}, Exit: 0, Stdout: "ok"}})
	x.RunSelfUpdate(context.Background(), task.TaskID, true)

	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Task.Status != domain.StatusSucceeded {
		t.Fatalf("task status = %q, want succeeded", detail.Task.Status)
	}
	// task-created plus the self-update command entry.
	if len(detail.Logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(detail.Logs))
	}
	if detail.Logs[1].Meta["dry_run"] != true {
		t.Errorf("meta.dry_run = %v, want true", detail.Logs[1].Meta["dry_run"])
	}
}

func TestRunSelfUpdateWithoutRunnerSkips(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindSelfUpdate, domain.Trigger{}, nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	x := New(engine, &recordingUnits{}, &recordingImages{}, false)
	x.RunSelfUpdate(context.Background(), task.TaskID, false)

	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Task.Status != domain.StatusSkipped {
		t.Fatalf("task status = %q, want skipped", detail.Task.Status)
	}
}

func TestMaintenanceLogsCounts(t *testing.T) {
	engine := newTestEngine(t)
	task, err := engine.CreateTask(domain.KindScheduler, domain.Trigger{}, nil, "maintenance sweep", nil)
	if err != nil {
		t.Fatal(err)
	}
	x := New(engine, &recordingUnits{}, &recordingImages{}, false)
	x.Maintenance(task.TaskID, MaintenanceCounts{TokensPurged: 4, LocksSwept: 1, LegacyFiles: 2})

	detail, err := engine.GetDetail(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Task.Status != domain.StatusSucceeded {
		t.Fatalf("task status = %q, want succeeded", detail.Task.Status)
	}
	// task-created plus the three count entries.
	if len(detail.Logs) != 4 {
		t.Fatalf("logs = %d, want 4", len(detail.Logs))
	}
}

func TestCommandOutputIsTruncated(t *testing.T) {
	big := make([]byte, maxOutputBytes+500)
	for i := range big {
		big[i] = 'x'
	}
	meta := commandMeta("pull", "web.service", "img", CommandResult{Stdout: string(big)}, nil)
	if meta["truncated_stdout"] != true {
		t.Errorf("truncated_stdout = %v, want true", meta["truncated_stdout"])
	}
	if s, _ := meta["stdout"].(string); len(s) != maxOutputBytes {
		t.Errorf("stdout length = %d, want %d", len(s), maxOutputBytes)
	}
}
