package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Turns                  *prometheus.CounterVec
	StageOutcomes          *prometheus.CounterVec
	Retries                *prometheus.CounterVec
	TurnLatency            prometheus.Histogram
	ActiveSessions         prometheus.Gauge
	GraphConsecutiveErrors prometheus.Gauge
}

// NewMetrics registers the instruments on reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by terminal outcome.",
		}, []string{"outcome"}),
		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Orchestrator stage results by stage and outcome.",
		}, []string{"stage", "outcome"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried external calls by service.",
		}, []string{"service"}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end chat turn latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live conversation sessions.",
		}),
		GraphConsecutiveErrors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_consecutive_errors",
			Help:      "Graph lookups that failed in a row since the last success.",
		}),
	}
}

func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) StageOutcome(stage, outcome string) {
	if m == nil {
		return
	}
	m.StageOutcomes.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) Retry(service string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(service).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) SetGraphConsecutiveErrors(n int) {
	if m == nil {
		return
	}
	m.GraphConsecutiveErrors.Set(float64(n))
}

// MetricsHandler serves the instruments gathered by g, or the default
// gatherer when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
