// Package metrics declares the Prometheus collectors for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlightOperationsTotal counts Arrow Flight operations by method and outcome.
	FlightOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgeserver_flight_operations_total",
			Help: "Total number of processed Arrow Flight operations",
		},
		[]string{"method", "status"},
	)

	// FlightDurationSeconds measures the latency of Flight operations.
	FlightDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kgeserver_flight_duration_seconds",
			Help:    "Duration of Arrow Flight operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// SuggestUpsertsTotal counts suggestion document upserts.
	SuggestUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgeserver_suggest_upserts_total",
			Help: "Total number of suggestion index upserts",
		},
		[]string{"status"},
	)

	// SuggestQueriesTotal counts suggestion queries.
	SuggestQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgeserver_suggest_queries_total",
			Help: "Total number of suggestion queries",
		},
		[]string{"status"},
	)

	// SuggestQueryDurationSeconds measures suggestion query latency.
	SuggestQueryDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kgeserver_suggest_query_duration_seconds",
			Help:    "Duration of suggestion queries",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// SimilarityQueriesTotal counts similarity queries by query mode and outcome.
	SimilarityQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgeserver_similarity_queries_total",
			Help: "Total number of similarity queries",
		},
		[]string{"mode", "status"},
	)

	// SimilarityQueryDurationSeconds measures similarity query latency by mode.
	SimilarityQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kgeserver_similarity_query_duration_seconds",
			Help:    "Duration of similarity queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// DistanceQueriesTotal counts pairwise distance queries.
	DistanceQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kgeserver_distance_queries_total",
			Help: "Total number of pairwise distance queries",
		},
		[]string{"status"},
	)

	// MetadataLookupFailuresTotal counts per-result metadata lookups that
	// came back empty and were absorbed.
	MetadataLookupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kgeserver_metadata_lookup_failures_total",
			Help: "Total number of absorbed per-result metadata lookup failures",
		},
	)
)

// SpaceVectors tracks the number of vectors held per dataset space.
var SpaceVectors = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "kgeserver_space_vectors",
		Help: "Current number of vectors per dataset space",
	},
	[]string{"dataset"},
)

// SpaceBuildDurationSeconds measures lazy graph build latency per dataset.
var SpaceBuildDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kgeserver_space_build_duration_seconds",
		Help:    "Latency of lazy nearest-neighbor graph builds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	},
	[]string{"dataset"},
)

// IngestedEntitiesTotal counts entities ingested per dataset.
var IngestedEntitiesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kgeserver_ingested_entities_total",
		Help: "Total number of entities ingested per dataset",
	},
	[]string{"dataset"},
)

// SnapshotOperationsTotal counts snapshot save/load operations by component.
var SnapshotOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kgeserver_snapshot_operations_total",
		Help: "Total number of snapshot operations",
	},
	[]string{"component", "operation", "status"},
)

// SuggestIndexDocs tracks the number of documents in the suggestion index.
var SuggestIndexDocs = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "kgeserver_suggest_index_docs",
		Help: "Current number of documents in the suggestion index",
	},
)

// CatalogOperationsTotal counts dataset catalog operations.
var CatalogOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kgeserver_catalog_operations_total",
		Help: "Total number of dataset catalog operations",
	},
	[]string{"operation", "status"},
)

// HealthCheckStatus grades each health checker: 1 healthy, 0.5
// degraded, 0 unhealthy.
var HealthCheckStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "kgeserver_health_check_status",
		Help: "Component health (1=healthy, 0.5=degraded, 0=unhealthy)",
	},
	[]string{"component"},
)

// HealthCheckDurationSeconds measures how long each checker takes.
var HealthCheckDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kgeserver_health_check_duration_seconds",
		Help:    "Duration of component health checks",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"component"},
)

// ArrowAllocatedBytesTotal counts bytes handed out for Arrow buffers.
var ArrowAllocatedBytesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "kgeserver_arrow_allocated_bytes_total",
		Help: "Total bytes allocated for Arrow buffers",
	},
)

// ArrowFreedBytesTotal counts Arrow buffer bytes returned to the allocator.
var ArrowFreedBytesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "kgeserver_arrow_freed_bytes_total",
		Help: "Total Arrow buffer bytes freed",
	},
)

// ArrowBuffersActive tracks Arrow buffers currently alive.
var ArrowBuffersActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "kgeserver_arrow_buffers_active",
		Help: "Arrow buffers allocated and not yet freed",
	},
)
