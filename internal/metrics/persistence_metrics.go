package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Storage and History Metrics
// =============================================================================

var (
	// MapReadRetriesTotal counts chunk reads retried after a transient error
	MapReadRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_map_read_retries_total",
			Help: "Total number of chunk reads retried after a storage error",
		},
	)

	// IndexQueueDroppedTotal counts history records dropped by the index writer
	IndexQueueDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelstream_index_queue_dropped_total",
			Help: "Total number of history records dropped because the index writer fell behind",
		},
		[]string{"kind"}, // "tick" | "batch"
	)

	// IndexWriteErrorsTotal counts failed history writes
	IndexWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_index_write_errors_total",
			Help: "Total number of history rows the index writer failed to store",
		},
	)

	// TickLogWriteErrorsTotal counts failed JSONL tick log writes
	TickLogWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelstream_tick_log_write_errors_total",
			Help: "Total number of tick reports the JSONL log failed to write",
		},
	)

	// ObserverClients is the number of connected observer websockets
	ObserverClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelstream_observer_clients",
			Help: "Number of connected observer websocket clients",
		},
	)

	// ArchiveUploadsTotal counts mirrored tick log files by result
	ArchiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelstream_archive_uploads_total",
			Help: "Total number of tick log files handled by the archive mirror",
		},
		[]string{"result"}, // "uploaded" | "failed" | "dropped" | "skipped"
	)
)
