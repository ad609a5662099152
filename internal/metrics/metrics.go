package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "caracaldb"

var (
	PaxosIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "is_leader",
		Help:      "Whether this replica is the trusted leader (1=leader, 0=not)",
	})

	PaxosBallot = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "ballot",
		Help:      "Highest ballot this replica has promised",
	})

	PaxosHighestDecided = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "highest_decided",
		Help:      "Highest log position decided on this replica",
	})

	PaxosViewID = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "view_id",
		Help:      "Id of the installed view",
	})

	PaxosViewSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "view_size",
		Help:      "Number of members in the installed view",
	})

	PaxosDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "decisions_total",
		Help:      "Total decided log positions by value kind",
	}, []string{"kind"})

	PaxosCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "collisions_total",
		Help:      "Total ballot collisions handled",
	})

	PaxosStaleViewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "stale_view_total",
		Help:      "Quorum material dropped because it carried another view",
	}, []string{"type"})

	PaxosMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "messages_total",
		Help:      "Total protocol messages sent/received",
	}, []string{"direction", "type"})

	PaxosPendingProposals = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "pending_proposals",
		Help:      "Proposed values not decided yet",
	})

	PaxosPrunedUpTo = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "pruned_up_to",
		Help:      "Log position up to which the decided log was pruned",
	})

	PaxosLogRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "paxos",
		Name:      "log_restarts_total",
		Help:      "Times the decided log restarted at a peer's prune point",
	})

	WALWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Total WAL records written",
	})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "write_duration_seconds",
		Help:      "WAL write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	EngineState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "state",
		Help:      "Execution engine state (0=passive, 1=buffering, 2=catching up, 3=active)",
	})

	EngineAppliedPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "applied_position",
		Help:      "Last log position processed by the engine",
	})

	EngineSnapshotPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "snapshot_position",
		Help:      "Log position fully reflected in storage",
	})

	EngineOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Client operations handled by the engine",
	}, []string{"type", "outcome"})

	EngineOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Time to execute a decided operation",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	}, []string{"type"})

	EngineBufferedEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "buffered_entries",
		Help:      "Entries held in the operations log",
	})

	EngineSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "snapshots_total",
		Help:      "Total snapshots written to storage",
	})

	EngineSnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "snapshot_duration_seconds",
		Help:      "Time to write a snapshot batch",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
	})

	EngineTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "transfers_total",
		Help:      "Snapshot transfers by direction and outcome",
	}, []string{"direction", "outcome"})

	EngineTransferItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "transfer_items_total",
		Help:      "Items moved by snapshot transfers",
	}, []string{"direction"})

	RangeKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "range_keys",
		Help:      "Keys stored in the replica's range at the last scan",
	})

	RangeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "range_bytes",
		Help:      "Bytes stored in the replica's range at the last scan",
	})

	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total storage operations",
	}, []string{"operation"})

	StorageBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "batch_size",
		Help:      "Mutations per committed batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	})

	ClientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Client requests by type and response code",
	}, []string{"type", "code"})

	ClientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Client request latency",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"type"})

	ClientInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "in_flight",
		Help:      "Client requests waiting for a response",
	})

	TransportDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "dropped_total",
		Help:      "Outbound messages dropped",
	}, []string{"reason"})

	GRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "Total gRPC requests",
	}, []string{"service", "method", "code"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "gRPC request duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"service", "method"})
)
