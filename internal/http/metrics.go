package httpx

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

type httpMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rateLimitHits *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer, logger *slog.Logger) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglemetrics",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "togglemetrics",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   latencyBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglemetrics",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}),
	}
	if reg == nil {
		return m
	}
	m.requests = registerOrReuse(reg, m.requests, logger)
	m.latency = registerOrReuse(reg, m.latency, logger)
	m.rateLimitHits = registerOrReuse(reg, m.rateLimitHits, logger)
	return m
}

// registerOrReuse returns the collector already registered under the same
// descriptor, so several routers can share one registry.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C, logger *slog.Logger) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	logger.Warn("metrics collector not registered", "error", err)
	return c
}

func (m *httpMetrics) observeRequest(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, code).Inc()
	m.latency.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

func (m *httpMetrics) rateLimited(route, key string) {
	m.rateLimitHits.WithLabelValues(route, key).Inc()
}
