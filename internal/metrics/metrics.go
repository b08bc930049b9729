// Package metrics exposes poduptrigger_* counters/gauges/histograms via
// promauto's default registry, covering task lifecycle, rate-limit, and
// image-lock vocabulary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poduptrigger_tasks_total",
		Help: "Total number of tasks created, by kind.",
	}, []string{"kind"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poduptrigger_tasks_finished_total",
		Help: "Total number of tasks reaching a terminal state, by kind and status.",
	}, []string{"kind", "status"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poduptrigger_task_duration_seconds",
		Help:    "Duration from a task's start to its finish, by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	RateLimitAdmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poduptrigger_rate_limit_admits_total",
		Help: "Total number of rate-limit admission checks that passed, by scope.",
	}, []string{"scope"})

	RateLimitRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poduptrigger_rate_limit_rejects_total",
		Help: "Total number of rate-limit admission checks that were rejected, by scope and window.",
	}, []string{"scope", "window"})

	ImageLockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poduptrigger_image_lock_contention_total",
		Help: "Total number of image-lock acquisitions that found the lock already held.",
	}, []string{"image"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poduptrigger_http_request_duration_seconds",
		Help:    "Duration of HTTP requests handled by the dispatcher.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	SchedulerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poduptrigger_scheduler_skips_total",
		Help: "Total number of scheduler ticks skipped because the previous job was still running, by job.",
	}, []string{"job"})

	ReportsImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poduptrigger_reports_imported_total",
		Help: "Total number of self-update reports imported by the report ingester, by outcome.",
	}, []string{"outcome"})

	DiscoveredUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poduptrigger_discovered_units",
		Help: "Number of units currently known from the last successful discovery probe.",
	})
)
