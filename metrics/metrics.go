package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Metrics
var (
	// ConnectionsCurrent tracks connections registered on this process
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_current",
			Help: "Number of client connections registered on this process",
		},
	)

	// ConnectionsTotal counts every registration
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Total client connections registered",
		},
	)

	// ConnectionWriteFailures counts connections dropped because a frame could not be sent
	ConnectionWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connection_write_failures_total",
			Help: "Connections dropped after a failed send, by reason",
		},
		[]string{"reason"},
	)
)

// Fan-out Metrics
var (
	// EventsDelivered counts frames handed to local connections, by event type
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Events queued to local connections by event type",
		},
		[]string{"type"},
	)

	// TopicLoopsCurrent tracks live topic subscription loops
	TopicLoopsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_topic_loops_current",
			Help: "Number of running topic subscription loops",
		},
	)

	// BusReconnects counts resubscriptions after a transport failure
	BusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_bus_reconnects_total",
			Help: "Topic resubscriptions after a bus transport failure",
		},
	)

	// PresencePending tracks presence changes waiting to be published
	PresencePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_presence_pending",
			Help: "Presence changes queued for publishing on this process",
		},
	)

	// BusPublishFailures counts dropped publishes
	BusPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_bus_publish_failures_total",
			Help: "Publishes dropped after a bus error, by event type",
		},
		[]string{"type"},
	)
)

// Reaction Metrics
var (
	// ReactionToggles counts toggles by outcome (added, removed, failed)
	ReactionToggles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaction_toggles_total",
			Help: "Reaction toggles by outcome",
		},
		[]string{"outcome"},
	)

	// ReactionConflicts counts compare-and-swap conflicts that forced a retry
	ReactionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reaction_conflicts_total",
			Help: "Reaction set updates retried after a concurrent write",
		},
	)
)
