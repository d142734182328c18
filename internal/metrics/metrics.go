// Package metrics provides Prometheus instrumentation for the moderator. It
// exposes counters for submissions, verdicts, mutes and reconciliation work,
// and histograms for classifier and cleanup latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GateTotal counts gate checks, labeled by result: "allowed", "blocked",
	// "bypass" or "error".
	GateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderator_gate_total",
		Help: "Gate checks by result",
	}, []string{"kind", "result"})

	// ClassificationsTotal counts classify phases, labeled by result:
	// "flagged", "ignored", "error", "skipped".
	ClassificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderator_classifications_total",
		Help: "Classify phases by result",
	}, []string{"kind", "result"})

	// ClassifierLatency records classifier round-trip time in seconds.
	ClassifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moderator_classifier_latency_seconds",
		Help:    "Classifier round-trip latency in seconds",
		Buckets: []float64{.25, .5, 1, 2, 4, 8, 15},
	})

	// MutesTotal counts mutes written at commit.
	MutesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderator_mutes_total",
		Help: "Users muted",
	}, []string{"kind"})

	// UnmutesTotal counts unmute procedures, labeled by trigger: "manual" or
	// "cleanup".
	UnmutesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderator_unmutes_total",
		Help: "Unmute procedures run",
	}, []string{"trigger"})

	// ContentDeletedTotal counts unapproved content removed on unmute,
	// labeled by "post" or "topic".
	ContentDeletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderator_content_deleted_total",
		Help: "Unapproved posts and topics deleted on unmute",
	}, []string{"type"})

	// CleanupRunsTotal counts reconciliation passes by result: "ok", "busy"
	// or "error".
	CleanupRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderator_cleanup_runs_total",
		Help: "Reconciliation passes by result",
	}, []string{"result"})

	// CleanupDuration records how long a reconciliation pass takes.
	CleanupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moderator_cleanup_duration_seconds",
		Help:    "Reconciliation pass duration in seconds",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	})
)

func init() {
	prometheus.MustRegister(
		GateTotal,
		ClassificationsTotal,
		ClassifierLatency,
		MutesTotal,
		UnmutesTotal,
		ContentDeletedTotal,
		CleanupRunsTotal,
		CleanupDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
