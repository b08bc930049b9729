package podman

import (
	"context"
	"fmt"

	"github.com/moby/moby/client"

	"github.com/poduptrigger/poduptrigger/internal/executor"
)

// Pull implements executor.ImagePuller. The result is captured as a
// CommandResult instead of a bare error so the Executor can log it as a
// command-meta entry like any other capability call.
func (c *Client) Pull(ctx context.Context, image string) (executor.CommandResult, error) {
	argv := []string{"image", "pull", image}
	resp, err := c.api.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return executor.CommandResult{Argv: argv, Exit: 1, Stderr: err.Error()}, err
	}
	if err := resp.Wait(ctx); err != nil {
		return executor.CommandResult{Argv: argv, Exit: 1, Stderr: err.Error()}, err
	}
	return executor.CommandResult{Argv: argv, Exit: 0, Stdout: fmt.Sprintf("pulled %s", image)}, nil
}

// Prune implements executor.ImagePuller.
func (c *Client) Prune(ctx context.Context) (executor.CommandResult, error) {
	argv := []string{"image", "prune", "-f"}
	report, err := c.api.ImagePrune(ctx, client.ImagePruneOptions{})
	if err != nil {
		return executor.CommandResult{Argv: argv, Exit: 1, Stderr: err.Error()}, err
	}
	summary := fmt.Sprintf("deleted=%d space_reclaimed_bytes=%d", len(report.Report.ImagesDeleted), int64(report.Report.SpaceReclaimed)) //nolint:gosec // space reclaimed won't exceed int64 max
	return executor.CommandResult{Argv: argv, Exit: 0, Stdout: summary}, nil
}
