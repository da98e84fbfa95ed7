package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Rotation metrics
	RotationsTotal   *prometheus.CounterVec
	RotationDuration *prometheus.HistogramVec
	CASConflicts     prometheus.Counter

	// Lock metrics
	LockAcquireDuration prometheus.Histogram

	// Trigger metrics
	TriggerScansTotal    *prometheus.CounterVec
	TriggerFiringsTotal  *prometheus.CounterVec
	ActionErrorsTotal    *prometheus.CounterVec
	PendingCandidates    *prometheus.GaugeVec
	StatePersistFailures prometheus.Counter

	// Membership metrics
	LiveNodes prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RotationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_rotations_total",
				Help: "Total number of rotation requests processed",
			},
			[]string{"alias", "outcome"},
		),

		RotationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_rotation_duration_seconds",
				Help:    "Duration of rotation request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		CASConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_alias_cas_conflicts_total",
				Help: "Total number of alias registry compare-and-swap conflicts",
			},
		),

		LockAcquireDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_lock_acquire_duration_seconds",
				Help:    "Time spent waiting for a resource lock",
				Buckets: prometheus.DefBuckets,
			},
		),

		TriggerScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_trigger_scans_total",
				Help: "Total number of membership scans per trigger",
			},
			[]string{"trigger", "status"},
		),

		TriggerFiringsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_trigger_firings_total",
				Help: "Total number of confirmed trigger firings",
			},
			[]string{"trigger", "event"},
		),

		ActionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_action_errors_total",
				Help: "Total number of errors raised by trigger actions",
			},
			[]string{"trigger", "action"},
		),

		PendingCandidates: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_trigger_pending_candidates",
				Help: "Current number of pending debounce candidates per trigger",
			},
			[]string{"trigger"},
		),

		StatePersistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_trigger_state_persist_failures_total",
				Help: "Total number of trigger state persistence failures after retries",
			},
		),

		LiveNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_live_nodes",
				Help: "Number of nodes in the last observed live set",
			},
		),
	}
}

// RecordRotation records a rotation outcome
func (m *Metrics) RecordRotation(alias, outcome string, duration float64) {
	m.RotationsTotal.WithLabelValues(alias, outcome).Inc()
	m.RotationDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordCASConflict records a lost alias registry write race
func (m *Metrics) RecordCASConflict() {
	m.CASConflicts.Inc()
}

// RecordLockWait records time spent acquiring a resource lock
func (m *Metrics) RecordLockWait(seconds float64) {
	m.LockAcquireDuration.Observe(seconds)
}

// RecordScan records one membership scan for a trigger
func (m *Metrics) RecordScan(trigger, status string) {
	m.TriggerScansTotal.WithLabelValues(trigger, status).Inc()
}

// RecordFiring records one confirmed trigger firing
func (m *Metrics) RecordFiring(trigger, event string) {
	m.TriggerFiringsTotal.WithLabelValues(trigger, event).Inc()
}

// RecordActionError records an isolated action failure
func (m *Metrics) RecordActionError(trigger, action string) {
	m.ActionErrorsTotal.WithLabelValues(trigger, action).Inc()
}

// UpdatePendingCandidates updates the pending candidate gauge for a trigger
func (m *Metrics) UpdatePendingCandidates(trigger string, count int) {
	m.PendingCandidates.WithLabelValues(trigger).Set(float64(count))
}

// RecordStatePersistFailure records a state persistence failure after retries
func (m *Metrics) RecordStatePersistFailure() {
	m.StatePersistFailures.Inc()
}

// UpdateLiveNodes updates the live node gauge
func (m *Metrics) UpdateLiveNodes(count int) {
	m.LiveNodes.Set(float64(count))
}
