package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Chunk Streaming Metrics
// =============================================================================

var (
	// StreamBatchesSubmittedTotal counts load batches handed to the IO pool
	StreamBatchesSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_batches_submitted_total",
			Help: "Total number of chunk load batches submitted",
		},
	)

	// StreamBatchesAppliedTotal counts batches whose results reached the index
	StreamBatchesAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_batches_applied_total",
			Help: "Total number of chunk load batches applied to the index",
		},
	)

	// StreamLoadsTotal counts per-node load outcomes
	StreamLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelstream_loads_total",
			Help: "Total number of node loads applied, by outcome",
		},
		[]string{"outcome"}, // "loaded" | "empty" | "failed"
	)

	// StreamBackpressureSkipsTotal counts witness ticks that hit the pending cap
	StreamBackpressureSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_backpressure_skips_total",
			Help: "Total number of witness ticks that submitted nothing because too many batches were pending",
		},
	)

	// StreamBatchPanicsTotal counts batches whose background unit panicked
	StreamBatchPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_batch_panics_total",
			Help: "Total number of load batches whose background unit failed as a whole",
		},
	)

	// StreamPendingLoadTasks is the number of batches currently outstanding
	StreamPendingLoadTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelstream_pending_load_tasks",
			Help: "Number of chunk load batches currently outstanding",
		},
	)

	// StreamBatchSize observes the number of candidates per submitted batch
	StreamBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelstream_batch_size",
			Help:    "Number of nodes per submitted load batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// StreamBatchLatencySeconds observes submit-to-apply latency
	StreamBatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelstream_batch_latency_seconds",
			Help:    "Time from batch submission to its application in the index",
			Buckets: prometheus.DefBuckets,
		},
	)

	// StreamTickDurationSeconds observes loader tick duration
	StreamTickDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelstream_tick_duration_seconds",
			Help:    "Wall time spent in one loader tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	// ObserverDroppedReportsTotal counts tick reports dropped for slow observers
	ObserverDroppedReportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_observer_dropped_reports_total",
			Help: "Total number of tick reports dropped because an observer fell behind",
		},
	)
)
