// Package metrics defines the Prometheus collectors shared by the supervisor
// and the control API client. Nothing is registered automatically; callers
// that want to expose them register Collectors with their own registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ProcessesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harproxy_processes_running",
		Help: "number of supervised proxy processes currently running",
	})

	ProcessStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harproxy_process_starts_total",
		Help: "proxy process start attempts by result",
	}, []string{"result"})

	ReadinessSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harproxy_process_readiness_seconds",
		Help:    "time from spawn until the control endpoint answered",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 20},
	})

	ClientRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harproxy_client_requests_total",
		Help: "control API requests by method and status code",
	}, []string{"method", "code"})

	SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harproxy_sessions_open",
		Help: "proxy sessions created by this process and not yet closed",
	})
)

// Collectors lists every collector defined here.
var Collectors = []prometheus.Collector{
	ProcessesRunning,
	ProcessStarts,
	ReadinessSeconds,
	ClientRequests,
	SessionsOpen,
}
