package dispatch

import (
	"net/http"
	"strconv"

	"github.com/poduptrigger/poduptrigger/internal/store"
)

// handleListEvents is GET /api/events, filterable by request_id, path
// prefix, status, action and task_id.
func (d *Dispatcher) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, _ := strconv.Atoi(q.Get("status"))
	filter := store.EventFilter{
		RequestID:  q.Get("request_id"),
		PathPrefix: q.Get("path_prefix"),
		Status:     status,
		Action:     q.Get("action"),
		TaskID:     q.Get("task_id"),
	}
	events, err := d.store.ListEvents(filter, parsePage(r))
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to list events")
		return
	}
	respond(w, r, http.StatusOK, events)
}
