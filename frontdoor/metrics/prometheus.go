package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pcbuilderai/frontdoor/frontdoor/processes"
	"github.com/pcbuilderai/frontdoor/frontdoor/proxy"
)

var (
	_ processes.MetricsCollector = (*PrometheusCollector)(nil)
	_ proxy.MetricsCollector     = (*PrometheusCollector)(nil)
)

// PrometheusCollector records supervisor and proxy metrics in a private registry.
type PrometheusCollector struct {
	// Supervisor metrics
	childState       *prometheus.GaugeVec
	stateTransitions *prometheus.CounterVec
	childExits       *prometheus.CounterVec
	childRestarts    *prometheus.CounterVec

	// Proxy metrics
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fallbacks       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector whose metric names are prefixed with namespace.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "frontdoor"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.childState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "child_state",
			Help:      "Current state of each child process (1 for the active state, 0 otherwise)",
		},
		[]string{"child", "state"},
	)

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_state_transitions_total",
			Help:      "Total number of child process state transitions",
		},
		[]string{"child", "from_state", "to_state"},
	)

	pc.childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Total number of child process exits by exit code",
		},
		[]string{"child", "code"},
	)

	pc.childRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_restarts_total",
			Help:      "Total number of child process restarts",
		},
		[]string{"child"},
	)

	pc.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of requests handled by the proxy",
		},
		[]string{"route", "code"},
	)

	pc.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Duration of proxied requests",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"route"},
	)

	pc.fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_fallbacks_total",
			Help:      "Total number of fallback responses served while an upstream was unavailable",
		},
		[]string{"route", "kind"},
	)

	pc.registry.MustRegister(
		pc.childState,
		pc.stateTransitions,
		pc.childExits,
		pc.childRestarts,
		pc.requests,
		pc.requestDuration,
		pc.fallbacks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return pc
}

// ChildStateTransition records a state transition and updates the state gauge.
func (pc *PrometheusCollector) ChildStateTransition(child string, from, to processes.ProcessState) {
	pc.stateTransitions.WithLabelValues(child, from.String(), to.String()).Inc()
	pc.childState.WithLabelValues(child, from.String()).Set(0)
	pc.childState.WithLabelValues(child, to.String()).Set(1)
}

// ChildExit records a child process exit.
func (pc *PrometheusCollector) ChildExit(child string, code int) {
	pc.childExits.WithLabelValues(child, strconv.Itoa(code)).Inc()
}

// ChildRestart records a scheduled restart.
func (pc *PrometheusCollector) ChildRestart(child string) {
	pc.childRestarts.WithLabelValues(child).Inc()
}

// ProxyRequest records one request routed by the proxy.
func (pc *PrometheusCollector) ProxyRequest(route string, status int, duration time.Duration) {
	pc.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	pc.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Fallback records a fallback response.
func (pc *PrometheusCollector) Fallback(route string, kind proxy.RouteKind) {
	pc.fallbacks.WithLabelValues(route, string(kind)).Inc()
}

// Registry returns the private registry.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{Registry: pc.registry})
}
