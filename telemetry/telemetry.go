// Package telemetry provides TelemetrySink implementations: a
// Prometheus-backed sink for production and a no-op for callers that
// do not record metrics. Telemetry is purely observational and never
// gates protocol decisions.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/machpay-xyz/machpay"
)

// PrometheusSink records paid-call outcomes as Prometheus metrics.
type PrometheusSink struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ machpay.TelemetrySink = (*PrometheusSink)(nil)

// NewPrometheusSink registers the machpay metrics with the given
// registerer and returns the sink. Pass prometheus.DefaultRegisterer
// for the process-wide registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "machpay_paid_calls_total",
			Help: "Outcomes of paid calls per vendor",
		}, []string{"vendor", "outcome", "error_kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "machpay_paid_call_duration_seconds",
			Help:    "End-to-end duration of paid calls per vendor",
			Buckets: prometheus.DefBuckets,
		}, []string{"vendor"}),
	}
}

// Record implements machpay.TelemetrySink.
func (s *PrometheusSink) Record(vendorID string, success bool, latency time.Duration, errorKind string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	s.calls.WithLabelValues(vendorID, outcome, errorKind).Inc()
	s.duration.WithLabelValues(vendorID).Observe(latency.Seconds())
}

// NopSink discards all telemetry.
type NopSink struct{}

var _ machpay.TelemetrySink = NopSink{}

// Record implements machpay.TelemetrySink.
func (NopSink) Record(string, bool, time.Duration, string) {}
