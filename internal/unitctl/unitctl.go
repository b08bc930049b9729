// Package unitctl is the production UnitController and SelfUpdateRunner:
// systemctl/journalctl/podman child processes captured the way
// executor.CommandResult expects.
package unitctl

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"

	"github.com/poduptrigger/poduptrigger/internal/executor"
)

// Controller runs systemctl/journalctl/podman as child processes. The zero
// value uses the binaries found on PATH; tests override the fields with a
// recording script.
type Controller struct {
	SystemctlBin  string
	JournalctlBin string
	PodmanBin     string
}

// New builds a Controller using the binaries found on PATH.
func New() *Controller {
	return &Controller{SystemctlBin: "systemctl", JournalctlBin: "journalctl", PodmanBin: "podman"}
}

func (c *Controller) systemctl() string {
	if c.SystemctlBin == "" {
		return "systemctl"
	}
	return c.SystemctlBin
}

func (c *Controller) journalctl() string {
	if c.JournalctlBin == "" {
		return "journalctl"
	}
	return c.JournalctlBin
}

func (c *Controller) podman() string {
	if c.PodmanBin == "" {
		return "podman"
	}
	return c.PodmanBin
}

// run executes bin with args, capturing stdout/stderr and translating a
// non-zero exit into CommandResult.Exit rather than an error — only a
// failure to start the process (missing binary, permission) is an error.
func run(ctx context.Context, bin string, args ...string) (executor.CommandResult, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	argv := append([]string{bin}, args...)
	res := executor.CommandResult{Argv: argv}

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.Exit = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// Restart implements executor.UnitController.
func (c *Controller) Restart(ctx context.Context, unit string) (executor.CommandResult, error) {
	return run(ctx, c.systemctl(), "restart", unit)
}

// Start implements executor.UnitController.
func (c *Controller) Start(ctx context.Context, unit string) (executor.CommandResult, error) {
	return run(ctx, c.systemctl(), "start", unit)
}

// Status implements executor.UnitController.
func (c *Controller) Status(ctx context.Context, unit string) (executor.CommandResult, error) {
	return run(ctx, c.systemctl(), "status", "--no-pager", unit)
}

// Journal implements executor.UnitController, requesting the trailing N
// lines of the unit's journal.
func (c *Controller) Journal(ctx context.Context, unit string, lines int) (executor.CommandResult, error) {
	return run(ctx, c.journalctl(), "-u", unit, "-n", strconv.Itoa(lines), "--no-pager")
}

// RunAutoUpdate implements executor.UnitController by invoking Podman's
// native auto-update mechanism, which emits one JSON object per line
// describing each unit it checked.
func (c *Controller) RunAutoUpdate(ctx context.Context) (executor.CommandResult, error) {
	return run(ctx, c.podman(), "auto-update", "--format", "json")
}

// ShellRunner implements executor.SelfUpdateRunner by running an
// operator-configured command line through a shell, as specified by the
// X_SELF_UPDATE_COMMAND environment variable.
type ShellRunner struct {
	Command  string
	ShellBin string
}

// Run implements executor.SelfUpdateRunner.
func (r *ShellRunner) Run(ctx context.Context) (executor.CommandResult, error) {
	shellBin := r.ShellBin
	if shellBin == "" {
		shellBin = "/bin/sh"
	}
	return run(ctx, shellBin, "-c", r.Command)
}
