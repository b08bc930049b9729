// Package executor runs a task's body — unit refresh, auto-update run, or
// maintenance. It never names a concrete service manager or container
// runtime; it only calls the UnitController and ImagePuller capability
// interfaces, dispatched dynamically per task kind.
package executor

import "context"

// CommandResult is what a capability call returns: the argv it ran and its
// captured exit code/stdout/stderr, before truncation.
type CommandResult struct {
	Argv   []string
	Exit   int
	Stdout string
	Stderr string
}

// UnitController is the service-manager capability. A production
// implementation shells out to systemctl/journalctl (or a podman-quadlet
// equivalent) via os/exec; tests substitute a recording fake.
type UnitController interface {
	Restart(ctx context.Context, unit string) (CommandResult, error)
	Start(ctx context.Context, unit string) (CommandResult, error)
	Status(ctx context.Context, unit string) (CommandResult, error)
	Journal(ctx context.Context, unit string, lines int) (CommandResult, error)
	RunAutoUpdate(ctx context.Context) (CommandResult, error)
}

// ImagePuller is the container-runtime capability used to pre-pull a
// declared image ahead of a unit restart, and to reclaim space afterwards.
type ImagePuller interface {
	Pull(ctx context.Context, image string) (CommandResult, error)
	Prune(ctx context.Context) (CommandResult, error)
}

// SelfUpdateRunner runs the operator-configured self-update command. It is
// its own capability rather than folded into UnitController because the
// self-update command isn't a systemd unit operation — it's an arbitrary
// configured shell command.
type SelfUpdateRunner interface {
	Run(ctx context.Context) (CommandResult, error)
}

// UnitSpec is one unit refresh step's input: the unit to restart and the
// image it should be refreshed to, if any. Resolved by the Dispatcher from
// the discovered/manual unit catalogue before the task is created.
type UnitSpec struct {
	Unit      string
	Image     string
	StartOnly bool // use UnitController.Start instead of Restart
	DryRun    bool // skip both capabilities, mark the unit skipped
}
