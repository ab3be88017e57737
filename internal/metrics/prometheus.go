package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMirror mirrors request samples into a Prometheus registry. The bucket
// ring remains the source of truth for the gateway's own snapshot API (its
// percentile reservoir has no exact Prometheus equivalent); the mirror exists
// for scrape-based fleet monitoring.
type promMirror struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	bytesIn   prometheus.Counter
	bytesOut  prometheus.Counter
	retries   *prometheus.CounterVec
}

// EnablePrometheus attaches a Prometheus mirror to the store and returns the
// scrape handler to mount (e.g. on /monitor/metrics).
func (s *Store) EnablePrometheus() http.Handler {
	registry := prometheus.NewRegistry()
	m := &promMirror{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorman_requests_total",
			Help: "Gateway requests by api, method, and status.",
		}, []string{"api", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doorman_request_duration_seconds",
			Help:    "Gateway request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"api"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorman_bytes_in_total",
			Help: "Request body bytes received.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorman_bytes_out_total",
			Help: "Response body bytes sent.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorman_upstream_retries_total",
			Help: "Upstream dispatch retries by api.",
		}, []string{"api"}),
	}
	registry.MustRegister(m.requests, m.durations, m.bytesIn, m.bytesOut, m.retries)

	s.mu.Lock()
	s.prom = m
	s.mu.Unlock()

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *promMirror) observe(s Sample) {
	api := s.APIKey
	if api == "" {
		api = "unknown"
	}
	m.requests.WithLabelValues(api, s.Method, strconv.Itoa(s.Status)).Inc()
	m.durations.WithLabelValues(api).Observe(s.Duration.Seconds())
	if s.BytesIn > 0 {
		m.bytesIn.Add(float64(s.BytesIn))
	}
	if s.BytesOut > 0 {
		m.bytesOut.Add(float64(s.BytesOut))
	}
	if s.Retries > 0 {
		m.retries.WithLabelValues(api).Add(float64(s.Retries))
	}
}
