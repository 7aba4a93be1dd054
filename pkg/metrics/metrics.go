// Package metrics defines the Prometheus metrics exported by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_connections_total",
			Help: "Total number of client connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kimgate_connections_current",
			Help: "Current number of active client connections",
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_authentication_attempts_total",
			Help: "Total number of authentication attempts against the backend",
		},
		[]string{"protocol", "result"},
	)
)

// Pipeline metrics
var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_operations_total",
			Help: "Total number of pipeline operations executed",
		},
		[]string{"operation", "result"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kimgate_operation_duration_seconds",
			Help:    "Duration of pipeline operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)
)

// Attachment store (KAS) metrics
var (
	KasTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_kas_transfers_total",
			Help: "Total number of attachment store transfers",
		},
		[]string{"direction", "result"},
	)

	KasTransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_kas_transfer_bytes_total",
			Help: "Total bytes moved to and from the attachment store",
		},
		[]string{"direction"},
	)

	KasTransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kimgate_kas_transfer_duration_seconds",
			Help:    "Duration of attachment store transfers in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"direction"},
	)

	KasErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_kas_errors_total",
			Help: "Total attachment store failures by error code",
		},
		[]string{"code"},
	)
)

// Cache metrics (local attachment cache)
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_cache_operations_total",
			Help: "Total number of attachment cache operations",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kimgate_cache_size_bytes",
			Help: "Current attachment cache size in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kimgate_cache_objects_total",
			Help: "Current number of objects in the attachment cache",
		},
	)
)

// Card selection metrics
var (
	CardSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimgate_card_selections_total",
			Help: "Total number of card selector runs",
		},
		[]string{"mode", "result"},
	)
)
