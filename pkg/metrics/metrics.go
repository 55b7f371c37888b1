package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection lifecycle metrics
var (
	LifecycleOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_lifecycle_operations_total",
			Help: "Total number of connection lifecycle operations by result",
		},
		[]string{"operation", "result"}, // operation: create, update, establish, close; result: success or error kind
	)

	LifecycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sebconn_lifecycle_duration_seconds",
			Help:    "Duration of connection lifecycle operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	ConnectionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sebconn_connections",
			Help: "Number of stored client connections by status",
		},
		[]string{"status"},
	)

	UnauthenticatedEstablish = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sebconn_unauthenticated_establish_total",
			Help: "Connections established directly from REQUESTED state",
		},
	)

	InvariantFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sebconn_invariant_faults_total",
			Help: "Connections that failed the post-establish integrity check",
		},
	)
)

// Connection cache metrics
var (
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sebconn_cache_hits_total",
			Help: "Connection cache lookups served from memory",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sebconn_cache_misses_total",
			Help: "Connection cache lookups that required a store load",
		},
	)

	CacheLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sebconn_cache_load_failures_total",
			Help: "Connection cache loads that failed and returned no entry",
		},
	)

	CacheSharedLoads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sebconn_cache_shared_loads_total",
			Help: "Concurrent lookups that shared an in-flight store load",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_cache_evictions_total",
			Help: "Connection cache evictions by reason",
		},
		[]string{"reason"}, // reason: mutation, capacity, clear
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sebconn_cache_entries",
			Help: "Number of connections currently cached",
		},
	)
)

// Ping monitor metrics
var (
	PingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_pings_total",
			Help: "Ping notifications received",
		},
		[]string{"result"}, // result: recorded, unknown
	)

	MissingPings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sebconn_missing_pings",
			Help: "Monitored connections whose last ping is older than the ping timeout",
		},
	)

	MonitoredConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sebconn_ping_monitored_connections",
			Help: "Connections tracked by the ping monitor",
		},
	)
)

// Event and indicator metrics
var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_events_total",
			Help: "Client events by type and result",
		},
		[]string{"type", "result"}, // result: stored, failed, ignored
	)

	EventBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sebconn_event_batch_size",
			Help:    "Number of events written per batch insert",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	IndicatorNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_indicator_notifications_total",
			Help: "Indicator value change notifications by result",
		},
		[]string{"result"}, // result: applied, failed, panic, dropped
	)

	IndicatorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sebconn_indicator_queue_depth",
			Help: "Pending indicator notifications",
		},
	)
)

// HTTP admin API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_http_requests_total",
			Help: "Admin API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// Health check metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sebconn_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sebconn_component_health_check_duration_seconds",
			Help:    "Duration of component health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"component"},
	)
)
