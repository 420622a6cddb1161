package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// GRPCMetrics contains gRPC-related Prometheus metrics.
type GRPCMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// BusinessMetrics tracks reservation-protocol outcomes.
type BusinessMetrics struct {
	OrdersCreated          prometheus.Counter
	OrdersConfirmed        prometheus.Counter
	OrdersFailed           prometheus.Counter
	OrdersCancelled        prometheus.Counter
	OrdersPendingVerify    prometheus.Counter
	ReservationsCreated    prometheus.Counter
	ReservationsReleased   prometheus.Counter
	VerificationsRecovered prometheus.Counter
	OutboxLag              prometheus.Gauge
}

// NewHTTPMetrics creates HTTP metrics for a service.
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewGRPCMetrics creates gRPC metrics for a service.
func NewGRPCMetrics(serviceName string) *GRPCMetrics {
	return &GRPCMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_grpc_requests_total",
				Help: "Total number of gRPC requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_grpc_request_duration_seconds",
				Help:    "gRPC request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// NewBusinessMetrics creates reservation-protocol metrics for a service.
func NewBusinessMetrics(serviceName string) *BusinessMetrics {
	return &BusinessMetrics{
		OrdersCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_created_total",
				Help: "Total number of orders created",
			},
		),
		OrdersConfirmed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_confirmed_total",
				Help: "Total number of orders confirmed",
			},
		),
		OrdersFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_failed_total",
				Help: "Total number of orders failed",
			},
		),
		OrdersCancelled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_cancelled_total",
				Help: "Total number of orders cancelled",
			},
		),
		OrdersPendingVerify: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_pending_verification_total",
				Help: "Total number of orders that entered pending_verification",
			},
		),
		ReservationsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_reservations_created_total",
				Help: "Total number of stock reservations created",
			},
		),
		ReservationsReleased: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_reservations_released_total",
				Help: "Total number of stock reservations released",
			},
		),
		VerificationsRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_verifications_recovered_total",
				Help: "Verify-order messages resolved by an existing reservation",
			},
		),
		OutboxLag: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: serviceName + "_outbox_unpublished_rows",
				Help: "Outbox rows not yet published to the broker",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGRPCRequest records a gRPC request metric.
func (m *GRPCMetrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
