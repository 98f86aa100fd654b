// Package metrics exposes Prometheus collectors for lifecycle outcomes.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/waybill/store"
)

const namespace = "waybill"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Metrics groups every collector the process exports.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	orphans    prometheus.Counter
	liveUntil  prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation latency including the backend commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_steps_total",
			Help:      "Supply steps recorded for products that do not exist.",
		}),
		liveUntil: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retention_live_until_seconds",
			Help:      "Retention horizon observed after the last successful write.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.orphans, m.liveUntil)
	}
	return m
}

// Observe records one finished operation.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Classify(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// OrphanStep counts a step accepted without a product.
func (m *Metrics) OrphanStep() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

// SetLiveUntil publishes the latest retention horizon.
func (m *Metrics) SetLiveUntil(liveUntil uint64) {
	if m == nil {
		return
	}
	m.liveUntil.Set(float64(liveUntil))
}

// Classify maps an operation error to an outcome label.
func Classify(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, store.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, store.ErrConcurrentModification), errors.Is(err, store.ErrAlreadyExists):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}
