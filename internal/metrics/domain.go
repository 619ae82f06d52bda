package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateTransitions counts recording state machine transitions per node.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Subsystem: "node",
		Name:      "state_transitions_total",
		Help:      "Recording state machine transitions.",
	}, []string{"node_id", "from", "to"})

	// NodeState is a gauge holding 1 for the node's current recording state, 0 otherwise.
	NodeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pitchsync",
		Subsystem: "node",
		Name:      "recording_state",
		Help:      "Current recording state of the node (one-hot).",
	}, []string{"node_id", "state"})

	// SyncOffsetMillis tracks the last observed offset from the sync master.
	SyncOffsetMillis = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pitchsync",
		Subsystem: "timesync",
		Name:      "offset_milliseconds",
		Help:      "Last observed clock offset from the sync master, in milliseconds.",
	}, []string{"node_id"})

	// SyncClassification counts sync classification outcomes.
	SyncClassification = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Subsystem: "timesync",
		Name:      "classification_total",
		Help:      "Time-sync classification outcomes (ok/warn/fail).",
	}, []string{"node_id", "classification"})

	// CoordinatorFanout counts per-peer outcomes of coordinator fan-out operations.
	CoordinatorFanout = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Subsystem: "coordinator",
		Name:      "fanout_total",
		Help:      "Coordinator fan-out RPC outcomes by operation and peer.",
	}, []string{"operation", "node_id", "outcome"})

	// OffloadChunks counts chunk uploads attempted by the offload client.
	OffloadChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Subsystem: "offload",
		Name:      "chunks_total",
		Help:      "Chunk upload attempts by outcome.",
	}, []string{"node_id", "outcome"})

	// OffloadRetries counts upload retry attempts by reason.
	OffloadRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Subsystem: "offload",
		Name:      "retries_total",
		Help:      "Upload retry attempts by reason.",
	}, []string{"node_id", "reason"})

	// IngestPublications counts session publication outcomes on the ingest server.
	IngestPublications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Subsystem: "ingest",
		Name:      "publications_total",
		Help:      "Session publication outcomes (published/partial).",
	}, []string{"status"})

	// IngestChunksReceived counts chunks persisted by the ingest server.
	IngestChunksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Subsystem: "ingest",
		Name:      "chunks_received_total",
		Help:      "Chunks persisted by the ingest server, by dedup outcome.",
	}, []string{"outcome"})
)
