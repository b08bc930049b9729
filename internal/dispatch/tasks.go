package dispatch

import (
	"context"
	"net/http"
	"strconv"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/executor"
	"github.com/poduptrigger/poduptrigger/internal/store"
)

func parsePage(r *http.Request) store.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return store.Page{Limit: limit, Offset: offset}
}

// handleListTasks is GET /api/tasks, filterable by status/kind/unit.
func (d *Dispatcher) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Status:        q.Get("status"),
		Kind:          q.Get("kind"),
		UnitSubstring: q.Get("unit"),
		TriggerSource: q.Get("trigger_source"),
	}
	tasks, err := d.engine.List(filter, parsePage(r))
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	respond(w, r, http.StatusOK, tasks)
}

// handleGetTask is GET /api/tasks/:id, returning the task with its units,
// logs, and warning summary.
func (d *Dispatcher) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	detail, err := d.engine.GetDetail(id)
	if err != nil {
		d.fail(w, r, http.StatusNotFound, "task not found")
		return
	}
	annotate(r, id, nil)
	respond(w, r, http.StatusOK, detail)
}

// handleStopTask is POST /api/tasks/:id/stop — cooperative cancellation.
func (d *Dispatcher) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := d.engine.Stop(id)
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to stop task")
		return
	}
	if !ok {
		d.fail(w, r, http.StatusConflict, "task is not running")
		return
	}
	annotate(r, id, nil)
	respond(w, r, http.StatusOK, map[string]any{"task_id": id, "stop_requested": true})
}

// handleForceStopTask is POST /api/tasks/:id/force-stop.
func (d *Dispatcher) handleForceStopTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.engine.ForceStop(id); err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to force-stop task")
		return
	}
	annotate(r, id, nil)
	respond(w, r, http.StatusOK, map[string]any{"task_id": id, "force_stopped": true})
}

// handleRetryTask is POST /api/tasks/:id/retry.
func (d *Dispatcher) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := d.engine.Retry(id)
	if err != nil {
		d.fail(w, r, http.StatusConflict, "task cannot be retried")
		return
	}
	annotate(r, task.TaskID, map[string]any{"retry_of": id})
	respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID, "retry_of": id})

	if task.Kind == domain.KindScheduler {
		go d.exec.RunAutoUpdate(context.Background(), task.TaskID)
		return
	}
	detail, err := d.engine.GetDetail(task.TaskID)
	if err != nil {
		return
	}
	image, _ := task.Meta["image"].(string)
	specs := make([]executor.UnitSpec, 0, len(detail.Units))
	for _, u := range detail.Units {
		specs = append(specs, executor.UnitSpec{Unit: u.Unit, Image: image})
	}
	go d.exec.RunUnitRefresh(context.Background(), task.TaskID, specs)
}
