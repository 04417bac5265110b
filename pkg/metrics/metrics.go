// Package metrics exposes the process's Prometheus collectors. Collectors
// are package-level and registered with the default registry; the API server
// serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts sessions by terminal status.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sceneweaver_sessions_total",
		Help: "Sessions finished, by terminal status.",
	}, []string{"status"})

	// ActiveSessions tracks sessions currently in a non-terminal state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sceneweaver_active_sessions",
		Help: "Sessions currently pending or running.",
	})

	// StageDuration observes wall time per workflow stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sceneweaver_stage_duration_seconds",
		Help:    "Wall time per workflow stage.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})

	// MessagesRouted counts bus requests by recipient role.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sceneweaver_bus_messages_total",
		Help: "Request messages routed, by recipient role.",
	}, []string{"role"})

	// LLMRetries counts rate-limit backoff retries.
	LLMRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sceneweaver_llm_rate_limit_retries_total",
		Help: "LLM calls retried after a rate-limit error.",
	})

	// ExecutorRuns counts Blender subprocess executions by outcome.
	ExecutorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sceneweaver_executor_runs_total",
		Help: "Blender subprocess executions, by outcome.",
	}, []string{"outcome"})

	// Iterations observes refinement iterations consumed per session.
	Iterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sceneweaver_session_iterations",
		Help:    "Refinement iterations per completed session.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
)
