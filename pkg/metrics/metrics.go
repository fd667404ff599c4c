package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandboxgate"

// Metrics holds the Prometheus instruments on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RateLimitDecisions   *prometheus.CounterVec
	SandboxAcquisitions  *prometheus.CounterVec
	SandboxPauses        *prometheus.CounterVec
	TerminalRuns         *prometheus.CounterVec
	TerminalRunDuration  prometheus.Histogram
	SandboxRecords       *prometheus.GaugeVec
	BackgroundPauseQueue prometheus.Gauge
}

// New registers all instruments on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by result.",
		}, []string{"result", "plan"}),

		SandboxAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "acquisitions_total",
			Help:      "Sandbox acquisitions by outcome.",
		}, []string{"outcome"}),

		SandboxPauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "pauses_total",
			Help:      "Background sandbox pauses by result.",
		}, []string{"result"}),

		TerminalRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "runs_total",
			Help:      "Terminal command runs by outcome.",
		}, []string{"outcome"}),

		TerminalRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "run_duration_seconds",
			Help:      "Terminal command duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 360},
		}),

		SandboxRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "records",
			Help:      "Persisted sandbox records by status.",
		}, []string{"status"}),

		BackgroundPauseQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "pauses_in_flight",
			Help:      "Background pauses currently running.",
		}),
	}

	reg.MustRegister(
		m.RateLimitDecisions,
		m.SandboxAcquisitions,
		m.SandboxPauses,
		m.TerminalRuns,
		m.TerminalRunDuration,
		m.SandboxRecords,
		m.BackgroundPauseQueue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RateLimitDecision counts one limiter outcome
func (m *Metrics) RateLimitDecision(result, plan string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(result, plan).Inc()
}

// SandboxAcquired counts one acquisition outcome
func (m *Metrics) SandboxAcquired(outcome string) {
	if m == nil {
		return
	}
	m.SandboxAcquisitions.WithLabelValues(outcome).Inc()
}

// PauseStarted tracks an in-flight background pause
func (m *Metrics) PauseStarted() {
	if m == nil {
		return
	}
	m.BackgroundPauseQueue.Inc()
}

// PauseFinished records the pause result
func (m *Metrics) PauseFinished(result string) {
	if m == nil {
		return
	}
	m.BackgroundPauseQueue.Dec()
	m.SandboxPauses.WithLabelValues(result).Inc()
}

// TerminalRun records a finished command
func (m *Metrics) TerminalRun(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.TerminalRuns.WithLabelValues(outcome).Inc()
	m.TerminalRunDuration.Observe(seconds)
}

// SetSandboxRecords publishes record counts
func (m *Metrics) SetSandboxRecords(status string, n int) {
	if m == nil {
		return
	}
	m.SandboxRecords.WithLabelValues(status).Set(float64(n))
}
