package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects prometheus metrics for reconciliation runs.
// When disabled, every recording method is a no-op so callers never need
// to branch on configuration.
type Metrics struct {
	config MetricsConfig

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec

	diffSize    *prometheus.GaugeVec
	rulesInSync prometheus.Gauge

	enforcementOps *prometheus.CounterVec
	retriesTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collectors.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "runs_total",
				Help:      "Total reconciliation runs by outcome",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of full reconciliation runs",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of individual pipeline phases",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		diffSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "diff_size",
				Help:      "Pending operations in the most recent diff",
			},
			[]string{"operation"},
		),
		rulesInSync: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "rules_in_sync",
				Help:      "Rules already converged in the most recent diff",
			},
		),
		enforcementOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "enforcement_operations_total",
				Help:      "Enforcement operations by action and outcome",
			},
			[]string{"operation", "status"},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "enforcement_retries_total",
				Help:      "Provider call retries during enforcement",
			},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.phaseDuration,
		m.diffSize,
		m.rulesInSync,
		m.enforcementOps,
		m.retriesTotal,
	)

	return m
}

// RecordRun records the outcome and duration of a full run.
func (m *Metrics) RecordRun(status string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(seconds)
}

// RecordPhase records the duration of one pipeline phase.
func (m *Metrics) RecordPhase(phase string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordDiff records the size of the most recent diff.
func (m *Metrics) RecordDiff(creates, updates, deletes, inSync int) {
	if m.registry == nil {
		return
	}
	m.diffSize.WithLabelValues("create").Set(float64(creates))
	m.diffSize.WithLabelValues("update").Set(float64(updates))
	m.diffSize.WithLabelValues("delete").Set(float64(deletes))
	m.rulesInSync.Set(float64(inSync))
}

// RecordOperation records the outcome of one enforcement operation,
// including retries beyond the first attempt.
func (m *Metrics) RecordOperation(operation, status string, attempts int) {
	if m.registry == nil {
		return
	}
	m.enforcementOps.WithLabelValues(operation, status).Inc()
	if attempts > 1 {
		m.retriesTotal.Add(float64(attempts - 1))
	}
}

// Handler returns the scrape handler for the registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ListenAddress returns the configured scrape address.
func (m *Metrics) ListenAddress() string {
	return m.config.ListenAddress
}
