// Package metrics provides the Prometheus metrics surface for the gateway.
package metrics

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// Registry owns the gateway metric series and renders text snapshots.
// Recording never panics; label errors are logged and swallowed.
type Registry struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	requestsTotal   *prometheus.CounterVec
	responseTime    *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	breakerFailures  *prometheus.CounterVec
	breakerSuccesses *prometheus.CounterVec
	breakerRejected  *prometheus.CounterVec
}

// NewRegistry creates a metrics registry with the gateway series registered.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: reg,
		logger:   logger,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_requests_total",
				Help: "Total number of API requests handled by the gateway",
			},
			[]string{"route", "method", "status_code"},
		),
		responseTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_response_time_seconds",
				Help:    "Request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"route", "method"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service_id"},
		),
		breakerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_failures_total",
				Help: "Total number of failures recorded by circuit breakers",
			},
			[]string{"service_id", "error_type"},
		),
		breakerSuccesses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_successes_total",
				Help: "Total number of successes recorded by circuit breakers",
			},
			[]string{"service_id"},
		),
		breakerRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_rejected_total",
				Help: "Total number of requests rejected due to open circuit",
			},
			[]string{"service_id"},
		),
	}

	reg.MustRegister(
		r.requestsTotal, r.responseTime,
		r.breakerState, r.breakerFailures, r.breakerSuccesses, r.breakerRejected,
	)
	return r
}

// RecordRequest records a completed request.
func (r *Registry) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	defer r.swallow("record_request")
	r.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	r.responseTime.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordBreakerFailure records a breaker failure with its error type.
func (r *Registry) RecordBreakerFailure(serviceID, errorType string) {
	defer r.swallow("record_breaker_failure")
	r.breakerFailures.WithLabelValues(serviceID, errorType).Inc()
}

// RecordBreakerSuccess records a successful call through a breaker.
func (r *Registry) RecordBreakerSuccess(serviceID string) {
	defer r.swallow("record_breaker_success")
	r.breakerSuccesses.WithLabelValues(serviceID).Inc()
}

// RecordBreakerRejected records a request rejected by an open circuit.
func (r *Registry) RecordBreakerRejected(serviceID string) {
	defer r.swallow("record_breaker_rejected")
	r.breakerRejected.WithLabelValues(serviceID).Inc()
}

// SetBreakerState sets the state gauge for a service.
func (r *Registry) SetBreakerState(serviceID string, state int) {
	defer r.swallow("set_breaker_state")
	r.breakerState.WithLabelValues(serviceID).Set(float64(state))
}

// SnapshotText renders the registry in Prometheus exposition format.
func (r *Registry) SnapshotText() (string, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// swallow recovers a panic from a recording call. Metric recording must
// never take a request down.
func (r *Registry) swallow(operation string) {
	if rec := recover(); rec != nil {
		r.logger.Error("metric recording failed",
			zap.String("operation", operation),
			zap.Any("panic", rec),
		)
	}
}
