// Package discovery asks the container runtime which units it manages with
// an auto-update label and replaces the `source=podman` rows of
// discovered_units in one transaction.
package discovery

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/poduptrigger/poduptrigger/internal/clock"
	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/ids"
	"github.com/poduptrigger/poduptrigger/internal/logging"
	"github.com/poduptrigger/poduptrigger/internal/metrics"
)

// ContainerRuntime is the capability that lists auto-update-labelled units
// (backed in production by internal/podman.Client).
type ContainerRuntime interface {
	ListAutoUpdateUnits(ctx context.Context, now int64) ([]domain.DiscoveredUnit, error)
}

// Store is the subset of store.Store the probe needs.
type Store interface {
	SaveDiscoveredUnits(source string, units []domain.DiscoveredUnit) error
	RecordEvent(e domain.Event) error
}

// Probe runs the discovery query on startup and on demand.
type Probe struct {
	runtime ContainerRuntime
	store   Store
	clock   clock.Clock
	ids     ids.Generator
	log     *logging.Logger
	group   singleflight.Group
}

// New builds a Probe.
func New(runtime ContainerRuntime, store Store, clk clock.Clock, idGen ids.Generator, log *logging.Logger) *Probe {
	return &Probe{runtime: runtime, store: store, clock: clk, ids: idGen, log: log}
}

// Refresh queries the runtime and replaces the podman-sourced discovered
// units in a single transaction. Concurrent callers collapse onto one
// underlying query via singleflight; the daemon itself calls it once, at
// startup. A runtime failure logs a structured
// warning and leaves the previous snapshot intact.
func (p *Probe) Refresh(ctx context.Context) error {
	_, err, _ := p.group.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	return err
}

func (p *Probe) refresh(ctx context.Context) error {
	now := p.clock.Now().Unix()
	units, err := p.runtime.ListAutoUpdateUnits(ctx, now)
	if err != nil {
		p.log.Warn("discovery probe failed, keeping previous snapshot", "error", err)
		_ = p.store.RecordEvent(domain.Event{
			RequestID: p.ids.New(),
			TS:        now,
			Action:    "discovery-probe-failed",
			Meta:      map[string]any{"error": err.Error()},
		})
		return err
	}
	if err := p.store.SaveDiscoveredUnits(domain.SourcePodman, units); err != nil {
		p.log.Error("discovery probe failed to persist units", "error", err)
		return err
	}
	metrics.DiscoveredUnits.Set(float64(len(units)))
	p.log.Info("discovery probe refreshed units", "count", len(units))
	return nil
}
