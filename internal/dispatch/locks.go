package dispatch

import "net/http"

// handleListLocks is GET /api/image-locks.
func (d *Dispatcher) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := d.store.ListLocks()
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to list image locks")
		return
	}
	respond(w, r, http.StatusOK, locks)
}

// handleReleaseLock is DELETE /api/image-locks/:bucket, an operator escape
// hatch for a lock stuck past its TTL.
func (d *Dispatcher) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	locks, err := d.store.ListLocks()
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to inspect image locks")
		return
	}
	held := false
	for _, l := range locks {
		if l.Bucket == bucket {
			held = true
			break
		}
	}
	if !held {
		d.fail(w, r, http.StatusNotFound, "lock not held")
		return
	}
	if err := d.store.ReleaseLock(bucket); err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to release lock")
		return
	}
	annotate(r, "", map[string]any{"bucket": bucket})
	respond(w, r, http.StatusOK, map[string]any{"bucket": bucket, "released": true})
}
