// Package monitoring provides Prometheus metrics for capability
// operations and handle lifetimes.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatusOK is the status label for successful operations; failures
// carry their error-kind label instead.
const StatusOK = "ok"

// Metrics records capability operation outcomes.
type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	openHandles *prometheus.GaugeVec
	mappedBytes prometheus.Gauge
}

// New registers hostcap metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hostcap_operations_total",
			Help: "Capability operations by capability, operation and status.",
		}, []string{"capability", "operation", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hostcap_operation_duration_seconds",
			Help:    "Capability operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"capability", "operation"}),
		openHandles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hostcap_open_handles",
			Help: "Live handles by capability.",
		}, []string{"capability"}),
		mappedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hostcap_mapped_bytes",
			Help: "Bytes currently mapped through the memory capability.",
		}),
	}
}

// RecordOperation counts one operation and observes its latency.
func (m *Metrics) RecordOperation(capability, op, status string, elapsed time.Duration) {
	m.operations.WithLabelValues(capability, op, status).Inc()
	m.duration.WithLabelValues(capability, op).Observe(elapsed.Seconds())
}

// HandleOpened increments the live-handle gauge for a capability.
func (m *Metrics) HandleOpened(capability string) {
	m.openHandles.WithLabelValues(capability).Inc()
}

// HandleClosed decrements the live-handle gauge for a capability.
func (m *Metrics) HandleClosed(capability string) {
	m.openHandles.WithLabelValues(capability).Dec()
}

// MappedBytesAdd adjusts the mapped-bytes gauge by delta, which may be
// negative on unmap.
func (m *Metrics) MappedBytesAdd(delta float64) {
	m.mappedBytes.Add(delta)
}

// Operations returns the counter for one operation label set.
func (m *Metrics) Operations(capability, op, status string) prometheus.Counter {
	return m.operations.WithLabelValues(capability, op, status)
}

// OpenHandles returns the live-handle gauge for a capability.
func (m *Metrics) OpenHandles(capability string) prometheus.Gauge {
	return m.openHandles.WithLabelValues(capability)
}

// MappedBytes returns the mapped-bytes gauge.
func (m *Metrics) MappedBytes() prometheus.Gauge {
	return m.mappedBytes
}
