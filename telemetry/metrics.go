package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ApplyBuckets for backend apply latencies (local writes)
	ApplyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// QueryBuckets for storage query latencies
	QueryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// AlignBuckets for anti-entropy alignment sessions (network bound)
	AlignBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}
)

// Routing Metrics
var (
	// EventsRoutedTotal counts overlay events by operation (put, delete, query)
	EventsRoutedTotal CounterVec = noopCounterVec{}

	// RoutingMissesTotal counts events no storage matched
	RoutingMissesTotal Counter = NoopStat{}
)

// Storage / Apply Pipeline Metrics
var (
	// AppliesTotal counts mutations by storage, operation and result
	// (applied, stale, dropped)
	AppliesTotal CounterVec = noopCounterVec{}

	// ApplyDurationSeconds measures backend apply latency per storage
	ApplyDurationSeconds HistogramVec = noopHistogramVec{}

	// ApplyRetriesTotal counts backend apply retries per storage
	ApplyRetriesTotal CounterVec = noopCounterVec{}

	// ApplyQueueDepth tracks pending mutations per storage
	ApplyQueueDepth GaugeVec = noopGaugeVec{}

	// QueriesTotal counts storage queries by storage and result
	QueriesTotal CounterVec = noopCounterVec{}

	// QueryDurationSeconds measures query latency per storage
	QueryDurationSeconds HistogramVec = noopHistogramVec{}
)

// Alignment Metrics
var (
	// AlignRoundsTotal counts alignment sessions by storage and outcome
	// (clean, divergent, aborted)
	AlignRoundsTotal CounterVec = noopCounterVec{}

	// AlignDurationSeconds measures alignment session duration per storage
	AlignDurationSeconds HistogramVec = noopHistogramVec{}

	// AlignEntriesPulledTotal counts entries applied from peers per storage
	AlignEntriesPulledTotal CounterVec = noopCounterVec{}

	// AlignErasComparedTotal counts era fingerprints exchanged per storage
	AlignErasComparedTotal CounterVec = noopCounterVec{}

	// DigestMismatchUnresolved is set when divergence persists across
	// consecutive alignment rounds with the same peer (health signal)
	DigestMismatchUnresolved GaugeVec = noopGaugeVec{}
)

// Garbage Collection Metrics
var (
	// GCRunsTotal counts garbage collection cycles by storage and result
	GCRunsTotal CounterVec = noopCounterVec{}

	// GCTombstonesPurgedTotal counts tombstones physically removed per storage
	GCTombstonesPurgedTotal CounterVec = noopCounterVec{}
)

// Publisher Metrics
var (
	// PublishedChangesTotal counts change-feed events published by sink and result
	PublishedChangesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Called by InitializeTelemetry once the registry exists.
func InitMetrics() {
	EventsRoutedTotal = NewCounterVec(
		"events_routed_total",
		"Overlay events routed by operation",
		[]string{"op"},
	)
	RoutingMissesTotal = NewCounter(
		"routing_misses_total",
		"Events that matched no registered storage",
	)

	AppliesTotal = NewCounterVec(
		"applies_total",
		"Mutations by storage, operation and result",
		[]string{"storage", "op", "result"},
	)
	ApplyDurationSeconds = NewHistogramVec(
		"apply_duration_seconds",
		"Backend apply latency in seconds",
		[]string{"storage"},
		ApplyBuckets,
	)
	ApplyRetriesTotal = NewCounterVec(
		"apply_retries_total",
		"Backend apply retries",
		[]string{"storage"},
	)
	ApplyQueueDepth = NewGaugeVec(
		"apply_queue_depth",
		"Pending mutations in the apply queue",
		[]string{"storage"},
	)
	QueriesTotal = NewCounterVec(
		"storage_queries_total",
		"Storage queries by result",
		[]string{"storage", "result"},
	)
	QueryDurationSeconds = NewHistogramVec(
		"query_duration_seconds",
		"Query latency in seconds",
		[]string{"storage"},
		QueryBuckets,
	)

	AlignRoundsTotal = NewCounterVec(
		"align_rounds_total",
		"Alignment sessions by outcome",
		[]string{"storage", "outcome"},
	)
	AlignDurationSeconds = NewHistogramVec(
		"align_duration_seconds",
		"Alignment session duration in seconds",
		[]string{"storage"},
		AlignBuckets,
	)
	AlignEntriesPulledTotal = NewCounterVec(
		"align_entries_pulled_total",
		"Entries applied from peers during alignment",
		[]string{"storage"},
	)
	AlignErasComparedTotal = NewCounterVec(
		"align_eras_compared_total",
		"Era fingerprints exchanged during alignment",
		[]string{"storage"},
	)
	DigestMismatchUnresolved = NewGaugeVec(
		"digest_mismatch_unresolved",
		"Set when divergence persists across consecutive alignment rounds",
		[]string{"storage", "peer"},
	)

	GCRunsTotal = NewCounterVec(
		"gc_runs_total",
		"Garbage collection cycles by result",
		[]string{"storage", "result"},
	)
	GCTombstonesPurgedTotal = NewCounterVec(
		"gc_tombstones_purged_total",
		"Tombstones physically removed",
		[]string{"storage"},
	)

	PublishedChangesTotal = NewCounterVec(
		"published_changes_total",
		"Change-feed events published to sinks",
		[]string{"sink", "result"},
	)
}
