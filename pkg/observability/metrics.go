package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the API and the delivery
// pipeline.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DeliveryAttempts *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	DispatchFanout   prometheus.Histogram
	SweepDue         prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. Tests pass
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"code", "method", "path"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of latencies for HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "method", "path"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_delivery_attempts_total",
				Help: "Webhook delivery attempts by event type and outcome.",
			},
			[]string{"event_type", "outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_delivery_duration_seconds",
				Help:    "Duration of outbound webhook requests.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"event_type", "outcome"},
		),
		DispatchFanout: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webhook_dispatch_fanout",
				Help:    "Number of webhooks notified per triggered event.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),
		SweepDue: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_sweeper_retries_total",
				Help: "Deliveries attempted by the retry sweeper.",
			},
		),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.DeliveryAttempts,
		m.DeliveryDuration,
		m.DispatchFanout,
		m.SweepDue,
	)
	return m
}

// PrometheusHandler serves the metrics gathered by g.
func PrometheusHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
