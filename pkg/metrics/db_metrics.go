package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store query metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_db_queries_total",
			Help: "Total number of store queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sebconn_db_query_duration_seconds",
			Help:    "Duration of store queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_db_retries_total",
			Help: "Store operations that needed more than one attempt",
		},
		[]string{"operation"},
	)
)

// Database connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sebconn_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"role"}, // role: "read", "write"
	)
	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sebconn_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"role"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sebconn_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"role"},
	)
)

// Store circuit breaker metrics
var (
	DBCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sebconn_db_circuit_breaker_state",
			Help: "State of the store circuit breakers (0=closed, 1=half_open, 2=open).",
		},
		[]string{"role"}, // role: "read", "write"
	)

	DBCircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sebconn_db_circuit_breaker_rejections_total",
			Help: "Store calls rejected by an open circuit breaker.",
		},
		[]string{"role"},
	)
)
