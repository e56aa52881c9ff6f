// Package metrics provides Prometheus metrics collection for Leafmeter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for Leafmeter.
type Collector struct {
	// Evaluation metrics
	EvaluationsTotal   *prometheus.CounterVec
	DenialsTotal       *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	RequestsInFlight   prometheus.Gauge

	// Store metrics
	CASConflicts  *prometheus.CounterVec
	SweepEvicted  *prometheus.CounterVec
	SweepDuration prometheus.Histogram

	// Auth metrics
	AuthFailures *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return newCollector(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newCollector(promauto.With(reg))
}

func newCollector(factory promauto.Factory) *Collector {
	return &Collector{
		// Evaluation metrics
		EvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "leafmeter",
				Name:      "evaluations_total",
				Help:      "Total number of usage evaluations processed",
			},
			[]string{"tier", "action", "commit", "admitted"},
		),
		DenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "leafmeter",
				Name:      "denials_total",
				Help:      "Total number of denied evaluations by reason",
			},
			[]string{"tier", "action", "reason"},
		),
		EvaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "leafmeter",
				Name:      "evaluation_duration_seconds",
				Help:      "Evaluation duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"action"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "leafmeter",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		// Store metrics
		CASConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "leafmeter",
				Name:      "cas_conflicts_total",
				Help:      "Total number of optimistic concurrency retries",
			},
			[]string{"store"},
		),
		SweepEvicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "leafmeter",
				Name:      "sweep_evicted_total",
				Help:      "Total number of idle records evicted by sweeps",
			},
			[]string{"store"},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "leafmeter",
				Name:      "sweep_duration_seconds",
				Help:      "Sweep pass duration in seconds",
				Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5},
			},
		),

		// Auth metrics
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "leafmeter",
				Name:      "auth_failures_total",
				Help:      "Total number of authentication failures",
			},
			[]string{"reason"},
		),

		// Config metrics
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "leafmeter",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "leafmeter",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "leafmeter",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}
