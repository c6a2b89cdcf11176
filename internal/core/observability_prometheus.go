package core

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports collection operation latency and outcome
// counts as Prometheus collectors.
type PrometheusMetricsRecorder struct {
	latency *prometheus.HistogramVec
	total   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the recorder's collectors with reg.
// Registering twice against the same registry reuses the existing collectors.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "microlab",
		Subsystem: "collections",
		Name:      "operation_duration_seconds",
		Help:      "Latency of collection operations including notification fan-out.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"operation", "status"})
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microlab",
		Subsystem: "collections",
		Name:      "operations_total",
		Help:      "Collection operations by outcome.",
	}, []string{"operation", "status"})

	if reg != nil {
		var err error
		if latency, err = registerOrReuse(reg, latency); err != nil {
			return nil, err
		}
		if total, err = registerOrReuse(reg, total); err != nil {
			return nil, err
		}
	}
	return &PrometheusMetricsRecorder{latency: latency, total: total}, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := statusLabel(success)
	r.latency.WithLabelValues(operation, status).Observe(duration.Seconds())
	r.total.WithLabelValues(operation, status).Inc()
}

// Collectors exposes the underlying collectors, mainly for tests.
func (r *PrometheusMetricsRecorder) Collectors() (*prometheus.HistogramVec, *prometheus.CounterVec) {
	return r.latency, r.total
}
