package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hpc"

// MetricsCollector holds all Prometheus metrics for the host.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Router metrics.
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Capability handler metrics.
	HandlerDuration *prometheus.HistogramVec
	TLSPUpstream    *prometheus.CounterVec

	// Sandbox metrics.
	SandboxRunsTotal   *prometheus.CounterVec
	SandboxRunDuration *prometheus.HistogramVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveCalls prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_total",
			Help:      "Total hpc calls dispatched by the router.",
		}, []string{"capability", "status"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Router dispatch duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"capability"}),

		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Capability handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability", "status"}),

		TLSPUpstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tlsp",
			Name:      "upstream_total",
			Help:      "Upstream HTTP responses seen by the tlsp capability.",
		}, []string{"status_code"}),

		SandboxRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total guest runs.",
		}, []string{"transport", "status"}),

		SandboxRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Guest run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"transport"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of capability handlers currently running.",
		}),
	}

	reg.MustRegister(
		m.DispatchTotal,
		m.DispatchDuration,
		m.HandlerDuration,
		m.TLSPUpstream,
		m.SandboxRunsTotal,
		m.SandboxRunDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveCalls,
	)

	return m
}
