// Package telemetry holds the orchestrator's prometheus collectors and its
// OpenTelemetry tracer.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bigtest",
		Subsystem: "agent",
		Name:      "connected",
		Help:      "Number of currently connected agents.",
	})

	AgentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigtest",
			Subsystem: "agent",
			Name:      "errors_total",
			Help:      "Agent connection failures by error code.",
		},
		[]string{"code"},
	)

	AgentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigtest",
			Subsystem: "agent",
			Name:      "events_total",
			Help:      "Agent events folded into test runs.",
		},
		[]string{"type"},
	)

	// Run metrics
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bigtest",
		Subsystem: "run",
		Name:      "started_total",
		Help:      "Test runs started.",
	})

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigtest",
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Test runs finished by status.",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bigtest",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Wall time of test runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	LanesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigtest",
			Subsystem: "lane",
			Name:      "finished_total",
			Help:      "Lanes finished by status and whether they timed out.",
		},
		[]string{"status", "timeout"},
	)

	LaneDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bigtest",
		Subsystem: "lane",
		Name:      "duration_seconds",
		Help:      "Wall time of one lane on one agent.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// Query metrics
	QueriesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bigtest",
		Subsystem: "query",
		Name:      "live_active",
		Help:      "Live queries currently subscribed.",
	})

	QueryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigtest",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Query requests by kind and outcome.",
		},
		[]string{"live", "outcome"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLane records one settled lane.
func ObserveLane(status string, timeout bool, seconds float64) {
	LanesFinished.WithLabelValues(status, strconv.FormatBool(timeout)).Inc()
	LaneDuration.Observe(seconds)
}

// ObserveRun records one settled test run.
func ObserveRun(status string, seconds float64) {
	RunsFinished.WithLabelValues(status).Inc()
	RunDuration.Observe(seconds)
}
