// Package metrics provides Prometheus metrics for the prescription engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsCreated prometheus.Counter
	StatusTransitions    *prometheus.CounterVec
	TransitionsRejected  prometheus.Counter
	RefillsGranted       prometheus.Counter
	RefillsDenied        prometheus.Counter
	Renewals             prometheus.Counter
	SafetyAlerts         *prometheus.CounterVec
	DegradedEvaluations  prometheus.Counter
	EvaluationDuration   prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them on the default registry
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all metrics on the given registerer
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescription drafts created",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_transitions_total",
			Help: "Status transitions by edge",
		}, []string{"from", "to"}),
		TransitionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_transitions_rejected_total",
			Help: "Transitions rejected by the lifecycle state machine",
		}),
		RefillsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refills_granted_total",
			Help: "Refill requests granted",
		}),
		RefillsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refills_denied_total",
			Help: "Refill requests denied",
		}),
		Renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_renewals_total",
			Help: "Renewal drafts created",
		}),
		SafetyAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_alerts_total",
			Help: "Safety alerts raised by severity and check type",
		}, []string{"severity", "type"}),
		DegradedEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safety_degraded_evaluations_total",
			Help: "Safety evaluations completed with skipped checks",
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "safety_evaluation_duration_seconds",
			Help:    "End to end safety pipeline duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
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
		m.PrescriptionsCreated,
		m.StatusTransitions,
		m.TransitionsRejected,
		m.RefillsGranted,
		m.RefillsDenied,
		m.Renewals,
		m.SafetyAlerts,
		m.DegradedEvaluations,
		m.EvaluationDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
