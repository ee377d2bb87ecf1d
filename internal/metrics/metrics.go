// Package metrics exposes Prometheus metrics fed by the event bus. It is a
// passive subscriber: the core never depends on it and keeps running if the
// sink is absent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runline/internal/domain"
)

// Metrics holds all Prometheus metrics for the orchestration core.
type Metrics struct {
	EscalationsTotal *prometheus.CounterVec
	GateRetriesTotal *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	RunsActive       prometheus.Gauge

	registry *prometheus.Registry

	// lastTS tracks the previous event timestamp per run to derive step
	// durations from the log itself.
	lastTS map[string]int64
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runline_escalations_total",
				Help: "Total escalations by gate type and reason.",
			},
			[]string{"gate", "reason"},
		),
		GateRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runline_gate_retries_total",
				Help: "Total gate attempts by gate type and outcome.",
			},
			[]string{"gate", "outcome"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runline_events_total",
				Help: "Total committed events by type.",
			},
			[]string{"type"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runline_step_duration_seconds",
				Help:    "Time between consecutive events of a run.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"type"},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runline_runs_active",
				Help: "Number of runs not in a terminal state.",
			},
		),
		registry: reg,
		lastTS:   map[string]int64{},
	}

	reg.MustRegister(m.EscalationsTotal)
	reg.MustRegister(m.GateRetriesTotal)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.StepDuration)
	reg.MustRegister(m.RunsActive)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe consumes one committed event. Intended as an event bus subscriber;
// events of one run arrive in sequence order.
func (m *Metrics) Observe(evt domain.Event) {
	m.EventsTotal.WithLabelValues(string(evt.Type)).Inc()

	if prev, ok := m.lastTS[evt.RunID]; ok && evt.TSMillis >= prev {
		m.StepDuration.WithLabelValues(string(evt.Type)).Observe(float64(evt.TSMillis-prev) / 1000)
	}
	m.lastTS[evt.RunID] = evt.TSMillis

	switch evt.Type {
	case domain.EventIssueSelected:
		m.RunsActive.Inc()
	case domain.EventRunCompleted, domain.EventRunAborted:
		m.RunsActive.Dec()
		delete(m.lastTS, evt.RunID)
	case domain.EventGateAttempt:
		var p domain.GateAttemptPayload
		if err := domain.UnmarshalPayload(evt, &p); err == nil {
			m.GateRetriesTotal.WithLabelValues(string(p.Gate), string(p.Outcome)).Inc()
		}
	case domain.EventEscalationTriggered:
		var p domain.EscalationTriggeredPayload
		if err := domain.UnmarshalPayload(evt, &p); err == nil {
			m.EscalationsTotal.WithLabelValues(string(p.Gate), p.Reason).Inc()
		}
	}
}
