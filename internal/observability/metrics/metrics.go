package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "actionflow"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics groups the collectors exported by the daemon. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	sessionsInFlight prometheus.Gauge
	events           *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	runtimeRequests  *prometheus.CounterVec
	runtimeLatency   *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

// New builds a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_in_flight",
			Help:      "Number of actions waiting for their target broadcast.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events emitted, by type.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Message broadcasts evaluated by the filter, by outcome.",
		}, []string{"outcome"}),
		runtimeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_requests_total",
			Help:      "Calls to the agent runtime REST API.",
		}, []string{"route", "code"}),
		runtimeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runtime_request_duration_seconds",
			Help:      "Agent runtime call latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"route"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of control API requests processed.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsInFlight,
		m.events,
		m.broadcasts,
		m.runtimeRequests,
		m.runtimeLatency,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetSessionsInFlight records the current size of the session registry.
func (m *Metrics) SetSessionsInFlight(n int) {
	if m == nil {
		return
	}
	m.sessionsInFlight.Set(float64(n))
}

// ObserveEvent counts an emitted lifecycle event.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// ObserveBroadcast counts a broadcast filter decision.
func (m *Metrics) ObserveBroadcast(outcome string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(outcome).Inc()
}

// ObserveRuntimeCall records one agent runtime call. A zero status means the
// request never produced a response.
func (m *Metrics) ObserveRuntimeCall(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runtimeRequests.WithLabelValues(route, statusLabel(status)).Inc()
	m.runtimeLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records metrics about a control API request.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, statusLabel(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
