package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/executor"
)

// manualDeployRequest is the body of POST /api/manual/deploy.
type manualDeployRequest struct {
	Units  []string `json:"units"`
	All    bool     `json:"all"`
	DryRun bool     `json:"dry_run"`
	Caller string   `json:"caller"`
	Reason string   `json:"reason"`
}

// handleManualDeploy handles the general manual-deploy path: either a
// caller-supplied unit list or every catalogued unit, each refreshed in one
// task.
func (d *Dispatcher) handleManualDeploy(w http.ResponseWriter, r *http.Request) {
	var req manualDeployRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			d.fail(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	units := req.Units
	if req.All {
		units = d.allUnitNames()
	}
	if len(units) == 0 {
		d.fail(w, r, http.StatusBadRequest, "no units specified")
		return
	}

	specs := make([]executor.UnitSpec, 0, len(units))
	for _, u := range units {
		specs = append(specs, executor.UnitSpec{Unit: u, DryRun: req.DryRun})
	}

	trig := domain.Trigger{Source: "manual", Caller: req.Caller, Reason: req.Reason}
	if rc := requestContextFrom(r); rc != nil {
		trig.RequestID = rc.requestID
	}
	trig.Path = r.URL.Path

	task, err := d.engine.CreateTask(domain.KindManual, trig, units, "manual deploy", map[string]any{"dry_run": req.DryRun, "all": req.All})
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to create task")
		return
	}
	annotate(r, task.TaskID, map[string]any{"dry_run": req.DryRun, "unit_count": len(units)})
	respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID})

	go d.exec.RunUnitRefresh(context.Background(), task.TaskID, specs)
}

// manualServiceRequest is the body of POST /api/manual/services/:slug.
type manualServiceRequest struct {
	Image  string `json:"image"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
}

func (d *Dispatcher) handleManualService(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	unit, found := d.resolveUnit(slug)
	if !found {
		d.fail(w, r, http.StatusNotFound, "unknown service slug")
		return
	}

	var req manualServiceRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			d.fail(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	image := req.Image
	if image == "" {
		image = unit.DefaultImage
	}

	trig := domain.Trigger{Source: "manual", Caller: req.Caller, Reason: req.Reason, Path: r.URL.Path}
	if rc := requestContextFrom(r); rc != nil {
		trig.RequestID = rc.requestID
	}

	task, err := d.engine.CreateTask(domain.KindManual, trig, []string{unit.Unit}, "manual service run", map[string]any{"image": image})
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to create task")
		return
	}
	annotate(r, task.TaskID, nil)
	respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID})

	go d.exec.RunUnitRefresh(context.Background(), task.TaskID, []executor.UnitSpec{{Unit: unit.Unit, Image: image}})
}

func (d *Dispatcher) handleManualAutoUpdateRun(w http.ResponseWriter, r *http.Request) {
	trig := domain.Trigger{Source: "manual", Path: r.URL.Path}
	if rc := requestContextFrom(r); rc != nil {
		trig.RequestID = rc.requestID
	}
	task, err := d.engine.CreateTask(domain.KindScheduler, trig, nil, "manual auto-update run", nil)
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to create task")
		return
	}
	annotate(r, task.TaskID, nil)
	respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID})
	go d.exec.RunAutoUpdate(context.Background(), task.TaskID)
}

// manualServiceView is one row of GET /api/manual/services.
type manualServiceView struct {
	Slug         string `json:"slug"`
	Unit         string `json:"unit"`
	DisplayName  string `json:"display_name,omitempty"`
	DefaultImage string `json:"default_image,omitempty"`
	Source       string `json:"source"`
	GithubPath   string `json:"github_path,omitempty"`
}

// handleManualServicesList returns the union of env-configured and
// discovered units, distinctly tagged by source.
func (d *Dispatcher) handleManualServicesList(w http.ResponseWriter, r *http.Request) {
	out := make([]manualServiceView, 0, len(d.manualUnits))
	for _, e := range d.manualUnits {
		out = append(out, manualServiceView{
			Slug: e.Slug, Unit: e.Unit, DisplayName: e.DisplayName,
			DefaultImage: e.DefaultImage, Source: domain.SourceManual, GithubPath: e.GithubPath,
		})
	}
	discovered, err := d.store.ListDiscoveredUnits()
	if err != nil {
		d.log.Warn("failed to list discovered units", "error", err)
	}
	for _, u := range discovered {
		if u.Source == domain.SourceManual {
			continue
		}
		out = append(out, manualServiceView{
			Slug: u.Slug, Unit: u.Unit, DisplayName: u.DisplayName,
			DefaultImage: u.DefaultImage, Source: u.Source, GithubPath: u.GithubPath,
		})
	}
	respond(w, r, http.StatusOK, out)
}

// resolveUnit finds a unit by slug among the manual catalogue and the
// discovered units, in that order (manual entries carry richer metadata).
// A slug that names a unit directly (no catalogue entry) also resolves.
func (d *Dispatcher) resolveUnit(slug string) (manualServiceView, bool) {
	for _, e := range d.manualUnits {
		if e.Slug == slug || e.Unit == slug {
			return manualServiceView{Slug: e.Slug, Unit: e.Unit, DisplayName: e.DisplayName, DefaultImage: e.DefaultImage, Source: domain.SourceManual, GithubPath: e.GithubPath}, true
		}
	}
	discovered, err := d.store.ListDiscoveredUnits()
	if err == nil {
		for _, u := range discovered {
			if u.Slug == slug || u.Unit == slug {
				return manualServiceView{Slug: u.Slug, Unit: u.Unit, DisplayName: u.DisplayName, DefaultImage: u.DefaultImage, Source: u.Source, GithubPath: u.GithubPath}, true
			}
		}
	}
	return manualServiceView{}, false
}

// allUnitNames is every catalogued unit name, manual first then discovered,
// deduplicated — backs the "all" flag of POST /api/manual/deploy.
func (d *Dispatcher) allUnitNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range d.manualUnits {
		if !seen[e.Unit] {
			seen[e.Unit] = true
			out = append(out, e.Unit)
		}
	}
	discovered, err := d.store.ListDiscoveredUnits()
	if err == nil {
		for _, u := range discovered {
			if !seen[u.Unit] {
				seen[u.Unit] = true
				out = append(out, u.Unit)
			}
		}
	}
	return out
}
