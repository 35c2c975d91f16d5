// Package obsmetrics holds the gate's Prometheus instrumentation: decision
// throughput and latency, breach reasons, circuit breaker trips, and ledger
// hold lifecycle counts. Every metric is registered once at process start
// via promauto, the same pattern the rest of the pack uses for its own
// Prometheus metrics.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gate registers.
type Metrics struct {
	AuthorizeTotal    *prometheus.CounterVec
	AuthorizeDuration *prometheus.HistogramVec

	BreachTotal *prometheus.CounterVec

	CircuitState *prometheus.GaugeVec
	CircuitTrips *prometheus.CounterVec

	HoldsActive    *prometheus.GaugeVec
	HoldsOutcome   *prometheus.CounterVec
	HoldSweepTotal prometheus.Counter

	AuditAppendDuration *prometheus.HistogramVec
	AuditChainLength    *prometheus.GaugeVec

	LifecycleEventsTotal     *prometheus.CounterVec
	LifecycleDuplicatesTotal *prometheus.CounterVec
	LifecycleInvalidTransition *prometheus.CounterVec

	PayloadMismatchTotal *prometheus.CounterVec
}

// New creates and registers all of the gate's Prometheus collectors.
func New() *Metrics {
	return &Metrics{
		AuthorizeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_authorize_total",
				Help: "Total number of /v1/authorize decisions by outcome.",
			},
			[]string{"decision", "reason_code"},
		),
		AuthorizeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gate_authorize_duration_seconds",
				Help:    "End-to-end latency of an authorize request.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		BreachTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_breach_total",
				Help: "Total number of limit breaches by breach type.",
			},
			[]string{"breach_type"},
		),
		CircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gate_circuit_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
			},
			[]string{"dependency"},
		),
		CircuitTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_circuit_breaker_trips_total",
				Help: "Total number of times a circuit breaker tripped open.",
			},
			[]string{"dependency"},
		),
		HoldsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gate_ledger_holds_active",
				Help: "Current number of AUTHORIZED_HOLD entries.",
			},
			[]string{"symbol"},
		),
		HoldsOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_ledger_hold_outcome_total",
				Help: "Hold outcomes: executed, expired, canceled.",
			},
			[]string{"outcome"},
		),
		HoldSweepTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gate_ledger_hold_sweep_total",
				Help: "Total number of holds reclaimed by the expiry sweeper.",
			},
		),
		AuditAppendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gate_audit_append_duration_seconds",
				Help:    "Duration of an audit log append, including hash-chain computation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		AuditChainLength: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gate_audit_chain_length",
				Help: "Current number of events in a trace's audit chain.",
			},
			[]string{"trace_id"},
		),
		LifecycleEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_lifecycle_events_total",
				Help: "Total lifecycle events ingested by source and status.",
			},
			[]string{"source_kind", "status"},
		),
		LifecycleDuplicatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_lifecycle_duplicates_total",
				Help: "Total lifecycle events rejected as duplicates.",
			},
			[]string{"source_kind"},
		),
		LifecycleInvalidTransition: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_lifecycle_invalid_transition_total",
				Help: "Total lifecycle events flagged for an invalid state transition.",
			},
			[]string{"from_status", "to_status"},
		),
		PayloadMismatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_idempotency_payload_mismatch_total",
				Help: "Total duplicate submissions whose payload differed from the first.",
			},
			[]string{"idempotency_key_prefix"},
		),
	}
}

// ObserveAuthorize records the outcome and latency of one authorize call.
func (m *Metrics) ObserveAuthorize(decision, reasonCode string, seconds float64) {
	m.AuthorizeTotal.WithLabelValues(decision, reasonCode).Inc()
	m.AuthorizeDuration.WithLabelValues(decision).Observe(seconds)
}

// ObserveBreach records a limit breach by type.
func (m *Metrics) ObserveBreach(breachType string) {
	m.BreachTotal.WithLabelValues(breachType).Inc()
}

// SetCircuitState mirrors a breaker's current state into the gauge. state
// must be 0 (closed), 1 (half_open), or 2 (open).
func (m *Metrics) SetCircuitState(dependency string, state float64) {
	m.CircuitState.WithLabelValues(dependency).Set(state)
}

// ObserveCircuitTrip increments the trip counter for a dependency.
func (m *Metrics) ObserveCircuitTrip(dependency string) {
	m.CircuitTrips.WithLabelValues(dependency).Inc()
}

// ObserveHoldOutcome records a hold reaching a terminal outcome.
func (m *Metrics) ObserveHoldOutcome(outcome string) {
	m.HoldsOutcome.WithLabelValues(outcome).Inc()
}

// ObserveHoldSweep records a sweeper pass that reclaimed n expired holds.
func (m *Metrics) ObserveHoldSweep(n int) {
	m.HoldSweepTotal.Add(float64(n))
}

// ObserveAuditAppend records the latency of appending one audit event.
func (m *Metrics) ObserveAuditAppend(eventType string, seconds float64) {
	m.AuditAppendDuration.WithLabelValues(eventType).Observe(seconds)
}

// ObserveLifecycleEvent records an ingested lifecycle event.
func (m *Metrics) ObserveLifecycleEvent(sourceKind, status string) {
	m.LifecycleEventsTotal.WithLabelValues(sourceKind, status).Inc()
}

// ObserveDuplicate records a duplicate lifecycle submission.
func (m *Metrics) ObserveDuplicate(sourceKind string) {
	m.LifecycleDuplicatesTotal.WithLabelValues(sourceKind).Inc()
}

// ObserveInvalidTransition records a flagged-not-dropped state transition.
func (m *Metrics) ObserveInvalidTransition(from, to string) {
	m.LifecycleInvalidTransition.WithLabelValues(from, to).Inc()
}

// ObservePayloadMismatch records a payload_mismatch 409 on an idempotent key.
func (m *Metrics) ObservePayloadMismatch(keyPrefix string) {
	m.PayloadMismatchTotal.WithLabelValues(keyPrefix).Inc()
}
