package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend connection pool metrics
var (
	ConnectionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_connections_created_total",
			Help: "Total number of backend connections established",
		},
		[]string{"host", "kind"},
	)

	ConnectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_connections_closed_total",
			Help: "Total number of backend connections closed",
		},
		[]string{"host", "reason"},
	)

	ConnectionsLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbpool_connections_live",
			Help: "Current number of live backend connections (idle, in use and dialing)",
		},
		[]string{"host"},
	)

	ConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbpool_connections_idle",
			Help: "Current number of idle pooled backend connections",
		},
		[]string{"host"},
	)

	ConnectErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_connect_errors_total",
			Help: "Total number of failed backend dials",
		},
		[]string{"host"},
	)

	PoolWaiters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbpool_pool_waiters",
			Help: "Current number of callers parked waiting for pool capacity",
		},
		[]string{"host"},
	)

	AcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lbpool_acquire_duration_seconds",
			Help:    "Time spent obtaining a backend connection",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"result"},
	)

	AcquireErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_acquire_errors_total",
			Help: "Total number of failed acquire calls by reason",
		},
		[]string{"reason"},
	)

	WorkerMailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbpool_worker_mailbox_depth",
			Help: "Pending tasks in a worker mailbox",
		},
		[]string{"worker"},
	)
)

// Host health metrics
var (
	HostAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbpool_host_available",
			Help: "Whether a host is eligible for selection (1) or in problem state (0)",
		},
		[]string{"host"},
	)

	HostProblemTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_host_problem_transitions_total",
			Help: "Total number of times a host was marked as problem",
		},
		[]string{"host"},
	)

	HostFailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_host_failovers_total",
			Help: "Total number of acquire attempts moved away from a failing host",
		},
		[]string{"host"},
	)

	HostProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_host_probes_total",
			Help: "Total number of probes sent to problem hosts",
		},
		[]string{"host", "result"},
	)
)

// Health monitor metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbpool_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lbpool_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component"},
	)
)

// Dispatch front metrics
var (
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbpool_proxy_requests_total",
			Help: "Total number of proxied requests by outcome",
		},
		[]string{"outcome"},
	)

	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lbpool_proxy_request_duration_seconds",
			Help:    "Duration of proxied requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// BoolToFloat converts a health flag into a gauge value
func BoolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
