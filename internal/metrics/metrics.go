// Package metrics provides Prometheus metrics for the flowdeck service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts flow runs by terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of flow runs by final status",
		},
		[]string{"status"},
	)

	// RunsActive tracks currently running flow runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Number of currently running flow runs",
		},
	)

	// RunDuration tracks flow run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Flow run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// SandboxesInUse tracks leased sandbox slots.
	SandboxesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "sandboxes_in_use",
			Help:      "Number of sandbox slots currently leased",
		},
	)

	// EngineInvocationsTotal counts engine process invocations by operation and result.
	EngineInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "engine_invocations_total",
			Help:      "Total number of engine invocations",
		},
		[]string{"operation", "result"},
	)

	// JobsTotal counts queued jobs by kind.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "jobs_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"kind"}, // "one_time", "repeating"
	)

	// TriggerRegistrations counts trigger enable/disable operations.
	TriggerRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "trigger_registrations_total",
			Help:      "Total number of trigger enable/disable operations",
		},
		[]string{"operation", "trigger_type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowdeck",
			Subsystem: "orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
