// Package metrics exposes Prometheus instruments for event application.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajaybenii/test-system-backend/internal/model"
)

var (
	applyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsystem_apply_outcomes_total",
			Help: "Answer events processed, by outcome",
		},
		[]string{"outcome"}, // applied, duplicate, stale
	)

	applyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testsystem_apply_duration_seconds",
			Help:    "Time spent applying one answer event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	storageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsystem_storage_failures_total",
			Help: "Storage errors surfaced to callers, by apply stage",
		},
		[]string{"stage"}, // append, latest, merge
	)

	notifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsystem_notify_failures_total",
			Help: "Post-apply notifier errors",
		},
		[]string{"notifier"},
	)

	reconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "testsystem_reconciled_answers_total",
			Help: "Answers merged by reconcile passes",
		},
	)
)

// ObserveApply records one completed Apply.
func ObserveApply(outcome model.Outcome, elapsed time.Duration) {
	applyOutcomes.WithLabelValues(string(outcome)).Inc()
	applyDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// StorageFailure records an error returned from the given stage.
func StorageFailure(stage string) {
	storageFailures.WithLabelValues(stage).Inc()
}

// NotifyFailure records a notifier error.
func NotifyFailure(notifier string) {
	notifyFailures.WithLabelValues(notifier).Inc()
}

// Reconciled adds n merged answers.
func Reconciled(n int) {
	reconciled.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
