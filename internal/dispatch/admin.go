package dispatch

import (
	"encoding/json"
	"net/http"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/executor"
)

// webhookStatusEntry is one row of GET /api/webhooks/status: enough for an
// operator to wire a provider's webhook UI without ever seeing the secret.
type webhookStatusEntry struct {
	Slug       string `json:"slug"`
	Unit       string `json:"unit"`
	Path       string `json:"path"`
	HasSecret  bool   `json:"has_secret"`
}

// handleWebhooksStatus is GET /api/webhooks/status: the per-unit webhook
// path every configured unit answers on.
func (d *Dispatcher) handleWebhooksStatus(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + d.rawCfg.WebhookPrefix + "/"
	hasSecret := d.rawCfg.WebhookSecretValue() != ""

	out := make([]webhookStatusEntry, 0, len(d.manualUnits))
	for _, e := range d.manualUnits {
		out = append(out, webhookStatusEntry{Slug: e.Slug, Unit: e.Unit, Path: prefix + e.Slug, HasSecret: hasSecret})
	}
	discovered, err := d.store.ListDiscoveredUnits()
	if err == nil {
		for _, u := range discovered {
			if u.Slug == "" {
				continue
			}
			out = append(out, webhookStatusEntry{Slug: u.Slug, Unit: u.Unit, Path: prefix + u.Slug, HasSecret: hasSecret})
		}
	}
	respond(w, r, http.StatusOK, out)
}

// handleConfig backs both GET /api/config and GET /api/settings with the
// same redacted env snapshot.
func (d *Dispatcher) handleConfig(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, d.cfg.Values())
}

// pruneStateRequest is the body of POST /api/prune-state.
type pruneStateRequest struct {
	MaxAgeHours int `json:"max_age_hours"`
}

// handlePruneState runs the maintenance sweep (token purge, expired-lock
// sweep) as a tracked task rather than inline, matching every other
// side-effecting route's task-then-202 shape.
func (d *Dispatcher) handlePruneState(w http.ResponseWriter, r *http.Request) {
	var req pruneStateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			d.fail(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.MaxAgeHours <= 0 {
		req.MaxAgeHours = 24
	}

	trig := domain.Trigger{Source: "admin", Path: r.URL.Path}
	if rc := requestContextFrom(r); rc != nil {
		trig.RequestID = rc.requestID
	}
	task, err := d.engine.CreateTask(domain.KindMaintenance, trig, nil, "prune state", map[string]any{"max_age_hours": req.MaxAgeHours})
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to create task")
		return
	}
	annotate(r, task.TaskID, nil)
	respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID})

	// Token buckets are swept per (scope, bucket): the legacy trigger's
	// (auto-update-global, "legacy") bucket plus an (auto-update-global,
	// unit name) bucket for every catalogued unit. Webhook admissions, kept
	// under their image scope and slug, are not swept here, and max_age_hours
	// is not applied. tokensPurged counts the buckets swept, not tokens.
	go func() {
		now := d.clock.Now().Unix()
		tokensPurged := 0
		if err := d.limiter.Sweep(domain.ScopeAutoUpdateGlobal, "legacy", now); err == nil {
			tokensPurged++
		}
		for _, u := range d.allUnitNames() {
			if err := d.limiter.Sweep(domain.ScopeAutoUpdateGlobal, u, now); err == nil {
				tokensPurged++
			}
		}
		swept, _ := d.lock.Sweep(now)
		d.exec.Maintenance(task.TaskID, executor.MaintenanceCounts{TokensPurged: tokensPurged, LocksSwept: swept})
	}()
}
