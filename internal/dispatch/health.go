package dispatch

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricsHandler = promhttp.Handler()

// healthResponse is the GET /health body.
type healthResponse struct {
	Status          string   `json:"status"`
	StoreOK         bool     `json:"store_ok"`
	DegradedReasons []string `json:"degraded_reasons"`
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded, reasons := d.cfg.Degraded()
	resp := healthResponse{Status: "ok", StoreOK: true, DegradedReasons: reasons}
	if degraded {
		resp.Status = "degraded"
		resp.StoreOK = false
	}
	respond(w, r, http.StatusOK, resp)
}

// handleMetrics is GET /metrics: the Prometheus text-exposition endpoint.
// Only registered when X_METRICS_ENABLED is true, and open (no admin check)
// once it is.
func (d *Dispatcher) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if rc := requestContextFrom(r); rc != nil {
		rc.status = http.StatusOK
	}
	metricsHandler.ServeHTTP(w, r)
}

// handleSSEHello writes one "hello" SSE frame and closes — a hello,
// not a long-lived subscription; streaming container runtime output is out
// of scope.
func (d *Dispatcher) handleSSEHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	if rc := requestContextFrom(r); rc != nil {
		rc.status = http.StatusOK
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: hello\ndata: {}\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
