package telemetry

// SerializeBuckets for state/diff serialization latencies.
var SerializeBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Publication metrics. Defaults are no-ops; registerPublicationMetrics swaps
// in real collectors when prometheus is enabled.
var (
	// PublishesSentTotal counts outgoing publish sends by encoding (full, diff, local)
	PublishesSentTotal CounterVec = noopCounterVec{}

	// PublishFallbacksTotal counts diff sends re-issued as full state
	PublishFallbacksTotal Counter = NoopStat{}

	// FullStatesReceivedTotal counts full cluster states applied on receive
	FullStatesReceivedTotal Counter = NoopStat{}

	// DiffsReceivedTotal counts incoming diffs by result (compatible, incompatible)
	DiffsReceivedTotal CounterVec = noopCounterVec{}

	// CommitsReceivedTotal counts apply-commit requests by result (applied, duplicate, failed)
	CommitsReceivedTotal CounterVec = noopCounterVec{}

	// SerializeSeconds measures state/diff serialization latency
	SerializeSeconds Histogram = NoopStat{}

	// LastPublishedVersion tracks the cluster state version last published by this node
	LastPublishedVersion Gauge = NoopStat{}

	// LastAppliedVersion tracks the cluster state version last applied by this node
	LastAppliedVersion Gauge = NoopStat{}
)

func registerPublicationMetrics() {
	PublishesSentTotal = NewCounterVec("publishes_sent_total",
		"Outgoing publish sends by encoding", []string{"encoding"})
	PublishFallbacksTotal = NewCounter("publish_fallbacks_total",
		"Diff sends re-issued as full state after an incompatible-version response")
	FullStatesReceivedTotal = NewCounter("full_states_received_total",
		"Full cluster states applied on receive")
	DiffsReceivedTotal = NewCounterVec("diffs_received_total",
		"Incoming cluster state diffs by result", []string{"result"})
	CommitsReceivedTotal = NewCounterVec("commits_received_total",
		"Apply-commit requests by result", []string{"result"})
	SerializeSeconds = NewHistogram("serialize_seconds",
		"State/diff serialization latency", SerializeBuckets)
	LastPublishedVersion = NewGauge("last_published_version",
		"Cluster state version last published by this node")
	LastAppliedVersion = NewGauge("last_applied_version",
		"Cluster state version last applied by this node")
}
