// Package metrics holds the Prometheus collectors for data store clients and
// the gRPC server. All methods are safe to call on a nil *Metrics, which
// records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kvclient"

// Outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeExhausted = "exhausted"
)

// Metrics contains the client and server collectors.
type Metrics struct {
	Operations       *prometheus.CounterVec
	AttemptFailures  *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	CapabilityProbes *prometheus.CounterVec
	ServerRequests   *prometheus.CounterVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "operations_total",
				Help:      "Data store operations by final outcome",
			},
			[]string{"store", "operation", "outcome"},
		),

		AttemptFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "attempt_failures_total",
				Help:      "Failed attempts absorbed by the retry executor",
			},
			[]string{"store", "operation"},
		),

		OperationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "operation_duration_seconds",
				Help:      "Wall time of an operation including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		CapabilityProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "capability_probes_total",
				Help:      "Backend capability probes by result",
			},
			[]string{"result"},
		),

		ServerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "gRPC requests handled by method and status code",
			},
			[]string{"method", "code"},
		),
	}
}

// NewRegistered creates collectors and registers them with reg.
func NewRegistered(reg prometheus.Registerer) (*Metrics, error) {
	m := New()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds every collector to reg. Collectors that are already
// registered are left in place.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Operations,
		m.AttemptFailures,
		m.OperationLatency,
		m.CapabilityProbes,
		m.ServerRequests,
	}
}

// ObserveOperation records the final outcome of a client operation.
func (m *Metrics) ObserveOperation(store, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(store, op, outcome).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveAttemptFailure records one failed attempt.
func (m *Metrics) ObserveAttemptFailure(store, op string) {
	if m == nil {
		return
	}
	m.AttemptFailures.WithLabelValues(store, op).Inc()
}

// ObserveProbe records a capability probe result.
func (m *Metrics) ObserveProbe(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.CapabilityProbes.WithLabelValues(result).Inc()
}

// ObserveServerRequest records one handled gRPC request.
func (m *Metrics) ObserveServerRequest(method, code string) {
	if m == nil {
		return
	}
	m.ServerRequests.WithLabelValues(method, code).Inc()
}
