// Package dispatch is the Dispatcher: the HTTP boundary that authenticates,
// rate-limits, routes and records every inbound call. Routing is plain
// method-and-path net/http.ServeMux routing, with a single New constructor
// building the whole route table up front and shared respond/fail response
// helpers.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/poduptrigger/poduptrigger/internal/authgate"
	"github.com/poduptrigger/poduptrigger/internal/clock"
	"github.com/poduptrigger/poduptrigger/internal/config"
	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/events"
	"github.com/poduptrigger/poduptrigger/internal/executor"
	"github.com/poduptrigger/poduptrigger/internal/ids"
	"github.com/poduptrigger/poduptrigger/internal/logging"
	"github.com/poduptrigger/poduptrigger/internal/manualunits"
	"github.com/poduptrigger/poduptrigger/internal/metrics"
	"github.com/poduptrigger/poduptrigger/internal/ratelimit"
	"github.com/poduptrigger/poduptrigger/internal/store"
	"github.com/poduptrigger/poduptrigger/internal/taskengine"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the subset of taskengine.Engine the Dispatcher drives directly
// (the Executor is handed tasks separately, asynchronously).
type Engine interface {
	CreateTask(kind string, trigger domain.Trigger, unitNames []string, summary string, meta map[string]any) (*domain.Task, error)
	MarkRunning(taskID string) (bool, error)
	AppendLog(taskID, level, action, summary, unit string, meta map[string]any) error
	Finish(taskID, status string) (bool, error)
	GetDetail(taskID string) (*taskengine.Detail, error)
	List(filter store.TaskFilter, page store.Page) ([]domain.Task, error)
	Stop(taskID string) (bool, error)
	ForceStop(taskID string) error
	Retry(taskID string) (*domain.Task, error)
}

// Store is the subset of store.Store the Dispatcher reads/writes directly.
type Store interface {
	RecordEvent(e domain.Event) error
	ListEvents(filter store.EventFilter, page store.Page) ([]domain.Event, error)
	ListLocks() ([]domain.ImageLock, error)
	ReleaseLock(bucket string) error
	ListDiscoveredUnits() ([]domain.DiscoveredUnit, error)
	GetDigestCache(key string) (*domain.DigestCacheEntry, error)
	CountTokensSince(scope, bucket string, since int64) (int, error)
	PurgeTokensBefore(scope, bucket string, before int64) error
	SweepExpiredLocks(now int64, ttlSeconds int64) (int, error)
}

// Executor is the subset of executor.Executor the Dispatcher hands tasks to.
// Every call runs in its own goroutine — the HTTP handler returns 202 as
// soon as the task is persisted, and the goroutine outlives the request.
type Executor interface {
	RunUnitRefresh(ctx context.Context, taskID string, specs []executor.UnitSpec)
	RunAutoUpdate(ctx context.Context, taskID string)
	Maintenance(taskID string, counts executor.MaintenanceCounts)
}

// Config is the subset of config.Config the Dispatcher reads.
type Config interface {
	ManualUnitNames() []string
	Values() map[string]string
	ManualLockGrace() time.Duration
	Degraded() (bool, []string)
}

// Dispatcher wires every collaborator behind a single net/http.Handler.
type Dispatcher struct {
	cfg     Config
	rawCfg  *config.Config
	gate    *authgate.Gate
	limiter *ratelimit.Limiter
	lock    *ratelimit.ImageLock
	engine  Engine
	exec    Executor
	store   Store
	bus     *events.Bus
	ids     ids.Generator
	clock   clock.Clock
	log     *logging.Logger

	manualUnits []manualunits.Entry
	mux         *http.ServeMux
}

// Deps bundles every collaborator New needs.
type Deps struct {
	Config      *config.Config
	Gate        *authgate.Gate
	Limiter     *ratelimit.Limiter
	Lock        *ratelimit.ImageLock
	Engine      Engine
	Executor    Executor
	Store       Store
	Bus         *events.Bus
	IDs         ids.Generator
	Clock       clock.Clock
	Log         *logging.Logger
	ManualUnits []manualunits.Entry
}

// New builds a Dispatcher with every route registered.
func New(d Deps) *Dispatcher {
	disp := &Dispatcher{
		cfg:         d.Config,
		rawCfg:      d.Config,
		gate:        d.Gate,
		limiter:     d.Limiter,
		lock:        d.Lock,
		engine:      d.Engine,
		exec:        d.Executor,
		store:       d.Store,
		bus:         d.Bus,
		ids:         d.IDs,
		clock:       d.Clock,
		log:         d.Log,
		manualUnits: d.ManualUnits,
		mux:         http.NewServeMux(),
	}
	disp.registerRoutes()
	return disp
}

// ServeHTTP lets Dispatcher be used directly as an http.Handler (e.g. by
// http.Server or httptest).
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mux.ServeHTTP(w, r)
}

func (d *Dispatcher) registerRoutes() {
	d.mux.HandleFunc("GET /health", d.withEvent("http-request", d.handleHealth))
	d.mux.HandleFunc("GET /sse/hello", d.withEvent(domain.ActionSSEHello, d.handleSSEHello))

	// /metrics is open (no admin check) but only registered at all when
	// X_METRICS_ENABLED=true.
	if d.rawCfg.MetricsEnabled {
		d.mux.HandleFunc("GET /metrics", d.withEvent(domain.ActionHTTPRequest, d.handleMetrics))
	}

	d.mux.HandleFunc("GET /auto-update", d.withEvent(domain.ActionManualTrigger, d.handleLegacyTrigger))
	d.mux.HandleFunc("POST /auto-update", d.withEvent(domain.ActionManualTrigger, d.handleLegacyTrigger))

	prefix := "/" + d.rawCfg.WebhookPrefix + "/"
	d.mux.HandleFunc("GET "+prefix+"{slug}", d.withEvent(domain.ActionWebhook, d.handleWebhook))
	d.mux.HandleFunc("POST "+prefix+"{slug}", d.withEvent(domain.ActionWebhook, d.handleWebhook))
	d.mux.HandleFunc("GET "+prefix+"{slug}/redeploy", d.withEvent(domain.ActionWebhook, d.handleWebhook))
	d.mux.HandleFunc("POST "+prefix+"{slug}/redeploy", d.withEvent(domain.ActionWebhook, d.handleWebhook))

	d.mux.HandleFunc("POST /api/manual/deploy", d.admin(d.withEvent(domain.ActionManualTrigger, d.handleManualDeploy)))
	d.mux.HandleFunc("POST /api/manual/services/{slug}", d.admin(d.withEvent(domain.ActionManualServiceRun, d.handleManualService)))
	d.mux.HandleFunc("POST /api/manual/auto-update/run", d.admin(d.withEvent(domain.ActionSchedulerTick, d.handleManualAutoUpdateRun)))
	d.mux.HandleFunc("GET /api/manual/services", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleManualServicesList)))

	d.mux.HandleFunc("GET /api/events", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleListEvents)))
	d.mux.HandleFunc("GET /api/tasks", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleListTasks)))
	d.mux.HandleFunc("GET /api/tasks/{id}", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleGetTask)))
	d.mux.HandleFunc("POST /api/tasks/{id}/stop", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleStopTask)))
	d.mux.HandleFunc("POST /api/tasks/{id}/force-stop", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleForceStopTask)))
	d.mux.HandleFunc("POST /api/tasks/{id}/retry", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleRetryTask)))

	d.mux.HandleFunc("GET /api/image-locks", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleListLocks)))
	d.mux.HandleFunc("DELETE /api/image-locks/{bucket}", d.admin(d.withEvent(domain.ActionImageLockRelease, d.handleReleaseLock)))

	d.mux.HandleFunc("GET /api/webhooks/status", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleWebhooksStatus)))
	d.mux.HandleFunc("GET /api/config", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleConfig)))
	d.mux.HandleFunc("GET /api/settings", d.admin(d.withEvent(domain.ActionHTTPRequest, d.handleConfig)))
	d.mux.HandleFunc("POST /api/prune-state", d.admin(d.withEvent(domain.ActionPruneStatePrefix+"requested", d.handlePruneState)))
}

// requestContext carries the per-request state: a freshly minted
// request_id, start instant, and the response status/meta the final
// respond() call needs to close out the Event row.
type requestContext struct {
	requestID string
	start     time.Time
	status    int
	taskID    string
	meta      map[string]any
}

type ctxKey int

const requestContextKey ctxKey = 0

func withRequestContext(r *http.Request, rc *requestContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestContextKey, rc))
}

func requestContextFrom(r *http.Request) *requestContext {
	rc, _ := r.Context().Value(requestContextKey).(*requestContext)
	return rc
}

// admin wraps a handler with the AuthGate admin + CSRF checks. Webhook and
// open routes never pass through this.
func (d *Dispatcher) admin(next http.HandlerFunc) http.HandlerFunc {
	reject := func(status int, msg string) http.HandlerFunc {
		return d.withEvent(domain.ActionHTTPRequest, func(w http.ResponseWriter, r *http.Request) {
			d.fail(w, r, status, msg)
		})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.gate.CheckAdmin(r) {
			reject(http.StatusUnauthorized, "authentication required")(w, r)
			return
		}
		if !d.gate.CheckCSRF(r) {
			reject(http.StatusForbidden, "CSRF validation failed")(w, r)
			return
		}
		next(w, r)
	}
}

// withEvent assembles the RequestContext, runs the handler, then closes out
// exactly one Event row per request. It also feeds
// metrics.HTTPRequestDuration.
func (d *Dispatcher) withEvent(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = d.ids.New()
		}
		w.Header().Set("X-Request-ID", reqID)

		rc := &requestContext{requestID: reqID, start: d.clock.Now(), status: http.StatusOK}
		r = withRequestContext(r, rc)

		next(w, r)

		duration := d.clock.Since(rc.start)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rc.status)).Observe(duration.Seconds())

		_ = d.store.RecordEvent(domain.Event{
			RequestID:  reqID,
			TS:         rc.start.Unix(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rc.status,
			Action:     action,
			DurationMS: duration.Milliseconds(),
			Meta:       rc.meta,
			TaskID:     rc.taskID,
		})
	}
}

// respond shapes the response through the single shared helper, recording
// the outcome on the RequestContext for withEvent to close out.
func respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	if rc := requestContextFrom(r); rc != nil {
		rc.status = status
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// annotate attaches structured detail to the RequestContext's event meta —
// e.g. rate-limit counters on 429, a dispatched task_id on 202.
func annotate(r *http.Request, taskID string, meta map[string]any) {
	rc := requestContextFrom(r)
	if rc == nil {
		return
	}
	if taskID != "" {
		rc.taskID = taskID
	}
	if meta != nil {
		rc.meta = meta
	}
}

func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	annotate(r, "", map[string]any{"error": msg})
	respond(w, r, status, map[string]string{"error": msg})
}
