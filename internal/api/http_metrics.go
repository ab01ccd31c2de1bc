package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Long polls and execute calls hold a request open for up to a minute.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type httpMetrics struct {
	latency     *prometheus.HistogramVec
	served      *prometheus.CounterVec
	failed      *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
}

var apiMetrics = newHTTPMetrics(prometheus.DefaultRegisterer)

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	routeLabels := []string{"method", "route", "status"}
	return &httpMetrics{
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kubebroker_http_request_duration_seconds",
			Help:    "Seconds from request arrival to the last byte written, by route pattern",
			Buckets: latencyBuckets,
		}, routeLabels),
		served: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kubebroker_http_requests_total",
			Help: "Requests answered by the broker, by route pattern and status code",
		}, routeLabels),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kubebroker_http_request_errors_total",
			Help: "Requests answered with a 4xx or 5xx status",
		}, []string{"method", "route", "status_class"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kubebroker_http_rate_limited_total",
			Help: "Requests turned away with 429 because the caller's token bucket was empty",
		}, []string{"realm"}),
	}
}

func (m *httpMetrics) observe(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.latency.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.served.WithLabelValues(method, route, code).Inc()
	if class := classifyStatus(status); class != "none" {
		m.failed.WithLabelValues(method, route, class).Inc()
	}
}

func recordAPIRequest(method, route string, status int, elapsed time.Duration) {
	apiMetrics.observe(method, route, status, elapsed)
}

func recordRateLimited(realm string) {
	apiMetrics.rateLimited.WithLabelValues(realm).Inc()
}

func classifyStatus(status int) string {
	if status >= 500 {
		return "server_error"
	}
	if status >= 400 {
		return "client_error"
	}
	return "none"
}
