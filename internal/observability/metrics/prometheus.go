// Package metrics provides Prometheus metrics for the dose scheduling engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PrescriptionsRegistered prometheus.Counter
	DosesGenerated          prometheus.Counter
	DoseTransitions         *prometheus.CounterVec
	IntakesRecorded         *prometheus.CounterVec
	ReconcileDuration       *prometheus.HistogramVec
	ReconcileErrors         *prometheus.CounterVec
	IntakeEventsConsumed    *prometheus.CounterVec
	OutboxPending           prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PrescriptionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_registered_total",
			Help: "Total prescriptions registered",
		}),
		DosesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_generated_total",
			Help: "Dose instances materialized by the schedule generator",
		}),
		DoseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_transitions_total",
			Help: "Applied dose status transitions by target status",
		}, []string{"status"}),
		IntakesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intakes_recorded_total",
			Help: "Intake records by kind (scheduled, unscheduled)",
		}, []string{"kind"}),
		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconcile_phase_duration_seconds",
			Help:    "Reconciliation phase duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"phase"}),
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_phase_errors_total",
			Help: "Reconciliation phases that finished with errors",
		}, []string{"phase"}),
		IntakeEventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_events_consumed_total",
			Help: "Intake events consumed from the broker by result",
		}, []string{"result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsRegistered,
		m.DosesGenerated,
		m.DoseTransitions,
		m.IntakesRecorded,
		m.ReconcileDuration,
		m.ReconcileErrors,
		m.IntakeEventsConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) Registered() {
	if m == nil {
		return
	}
	m.PrescriptionsRegistered.Inc()
}

func (m *Metrics) Generated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DosesGenerated.Add(float64(n))
}

func (m *Metrics) Transitioned(status string) {
	if m == nil {
		return
	}
	m.DoseTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IntakeRecorded(kind string) {
	if m == nil {
		return
	}
	m.IntakesRecorded.WithLabelValues(kind).Inc()
}

// PhaseFinished records a reconciliation phase run
func (m *Metrics) PhaseFinished(phase string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.ReconcileDuration.WithLabelValues(phase).Observe(took.Seconds())
	if err != nil {
		m.ReconcileErrors.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) IntakeEvent(result string) {
	if m == nil {
		return
	}
	m.IntakeEventsConsumed.WithLabelValues(result).Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}
