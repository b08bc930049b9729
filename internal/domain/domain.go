// Package domain holds the shared entities of the upgrade-trigger data
// model. It is shared by Store, TaskEngine, Executor and Dispatcher alike,
// so it lives in its own package rather than inside internal/store to
// avoid an import cycle between those four collaborators.
package domain

// Task status vocabulary.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// IsTerminal reports whether a status is a terminal task/unit state.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Task kind vocabulary.
const (
	KindManual     = "manual"
	KindWebhook    = "webhook"
	KindScheduler  = "scheduler"
	KindMaintenance = "maintenance"
	KindInternal   = "internal"
	KindSelfUpdate = "self-update"
	KindOther      = "other"
)

// Closed action vocabulary, shared by Event and TaskLog rows.
const (
	ActionManualTrigger     = "manual-trigger"
	ActionManualServiceRun  = "manual-service-run"
	ActionWebhook           = "webhook"
	ActionSchedulerTick     = "scheduler-tick"
	ActionSchedulerSkip     = "scheduler-skip"
	ActionSelfUpdateRun     = "self-update-run"
	ActionCLIPrefix         = "cli-"
	ActionPruneStatePrefix  = "prune-state-"
	ActionHTTPRequest       = "http-request"
	ActionSSEHello          = "sse-hello"
	ActionImageLockRelease  = "image-lock-release"
	ActionImagePull         = "image-pull"
	ActionRestartUnit       = "restart-unit"
	ActionStartUnit         = "start-unit"
	ActionUnitHealthCheck   = "unit-health-check"
	ActionImageVerify       = "image-verify"
	ActionTaskCreated       = "task-created"
	ActionTaskCancelled     = "task-cancelled"
	ActionTaskForceKilled   = "task-force-killed"
	ActionTaskDispatchFailed = "task-dispatch-failed"
	ActionAutoUpdateWarning  = "auto-update-warning"
	ActionAutoUpdateWarnings = "auto-update-warnings"
)

// TaskLog levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// DiscoveredUnit sources.
const (
	SourceManual = "manual"
	SourcePodman = "podman"
	SourceOther  = "other"
)

// Event is an append-only audit row.
type Event struct {
	RequestID  string         `json:"request_id"`
	Seq        uint64         `json:"seq"`
	TS         int64          `json:"ts"`
	Method     string         `json:"method"`
	Path       string         `json:"path"`
	Status     int            `json:"status"`
	Action     string         `json:"action"`
	DurationMS int64          `json:"duration_ms"`
	Meta       map[string]any `json:"meta,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
}

// Trigger describes what caused a task to be created.
type Trigger struct {
	Source             string `json:"source"`
	RequestID          string `json:"request_id,omitempty"`
	Path               string `json:"path,omitempty"`
	Caller             string `json:"caller,omitempty"`
	Reason             string `json:"reason,omitempty"`
	SchedulerIteration int64  `json:"scheduler_iteration,omitempty"`
}

// Task is the durable record of a side-effecting operation.
type Task struct {
	TaskID         string         `json:"task_id"`
	Kind           string         `json:"kind"`
	Status         string         `json:"status"`
	CreatedAt      int64          `json:"created_at"`
	StartedAt      int64          `json:"started_at,omitempty"`
	FinishedAt     int64          `json:"finished_at,omitempty"`
	UpdatedAt      int64          `json:"updated_at"`
	Summary        string         `json:"summary,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	Trigger        Trigger        `json:"trigger"`
	CanStop        bool           `json:"can_stop"`
	CanForceStop   bool           `json:"can_force_stop"`
	CanRetry       bool           `json:"can_retry"`
	IsLongRunning  bool           `json:"is_long_running"`
	RetryOf        string         `json:"retry_of,omitempty"`
}

// TaskUnit is per-unit sub-state of a task.
type TaskUnit struct {
	TaskID      string `json:"task_id"`
	Unit        string `json:"unit"`
	Slug        string `json:"slug,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status"`
	Phase       string `json:"phase,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"`
	FinishedAt  int64  `json:"finished_at,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Unit sub-status phase hints.
const (
	PhaseQueued      = "queued"
	PhasePullingImage = "pulling-image"
	PhaseRestarting  = "restarting"
	PhaseWaiting     = "waiting"
	PhaseVerifying   = "verifying"
	PhaseDone        = "done"
)

// CommandMeta is the structured payload of a log entry whose meta.type is
// "command".
type CommandMeta struct {
	Type            string `json:"type"`
	Command         string `json:"command"`
	Argv            []string `json:"argv,omitempty"`
	Exit            int    `json:"exit"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	TruncatedStdout bool   `json:"truncated_stdout,omitempty"`
	TruncatedStderr bool   `json:"truncated_stderr,omitempty"`
	Unit            string `json:"unit,omitempty"`
	Image           string `json:"image,omitempty"`
	Runner          string `json:"runner,omitempty"`
	Purpose         string `json:"purpose,omitempty"`
}

// TaskLog is an ordered entry attached to a task.
type TaskLog struct {
	TaskID  string         `json:"task_id"`
	Seq     uint64         `json:"seq"`
	TS      int64          `json:"ts"`
	Level   string         `json:"level"`
	Action  string         `json:"action"`
	Status  string         `json:"status,omitempty"`
	Summary string         `json:"summary"`
	Unit    string         `json:"unit,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// RateLimitToken is a (scope, bucket, ts) triple.
type RateLimitToken struct {
	Scope  string `json:"scope"`
	Bucket string `json:"bucket"`
	TS     int64  `json:"ts"`
}

// Rate limit scope names.
const (
	ScopeAutoUpdateGlobal = "auto-update-global"
)

// ImageLock is a mutual-exclusion lock keyed by normalised image reference.
type ImageLock struct {
	Bucket     string `json:"bucket"`
	AcquiredAt int64  `json:"acquired_at"`
}

// DiscoveredUnit is a unit found by the DiscoveryProbe or configured
// manually.
type DiscoveredUnit struct {
	Unit          string `json:"unit"`
	Source        string `json:"source"`
	DiscoveredAt  int64  `json:"discovered_at"`
	Slug          string `json:"slug,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	DefaultImage  string `json:"default_image,omitempty"`
	GithubPath    string `json:"github_path,omitempty"`
}

// DigestCacheEntry is the advisory RegistryDigestCache row.
type DigestCacheEntry struct {
	Key         string `json:"key"`
	Digest      string `json:"digest"`
	Status      string `json:"status"`
	CheckedAt   int64  `json:"checked_at"`
}
