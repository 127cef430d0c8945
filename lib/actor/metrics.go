package actor

import "github.com/go-i2p/wgtunnel/lib/metrics"

// Actor metrics
var (
	// CommandsReceived counts items offered to the command channel, by kind.
	CommandsReceived = metrics.NewCounterVec("wgtunnel_actor_commands_received_total", "Commands offered to the actor", "kind")

	// CommandsProcessed counts items dequeued and applied, by kind.
	CommandsProcessed = metrics.NewCounterVec("wgtunnel_actor_commands_processed_total", "Commands processed by the actor", "kind")

	// CommandsCoalesced counts pending items removed or replaced by coalescing.
	CommandsCoalesced = metrics.NewCounter("wgtunnel_actor_commands_coalesced_total", "Pending commands removed by coalescing")

	// Transitions counts state changes, by target phase.
	Transitions = metrics.NewCounterVec("wgtunnel_actor_transitions_total", "Tunnel state transitions", "phase")

	// CurrentPhase is the numeric phase of the current state.
	CurrentPhase = metrics.NewGauge("wgtunnel_actor_phase", "Current tunnel phase (0=disconnected 1=connecting 2=connected 3=reconnecting 4=disconnecting 5=error)")

	// QueueDepth is the number of pending items.
	QueueDepth = metrics.NewGauge("wgtunnel_actor_queue_depth", "Pending items in the command channel")

	// ProcessingTime observes how long each item took to apply.
	ProcessingTime = metrics.NewHistogram("wgtunnel_actor_processing_seconds", "Time spent applying one command",
		[]float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30})

	// Subscribers is the number of attached snapshot subscriptions.
	Subscribers = metrics.NewGauge("wgtunnel_actor_subscribers", "Attached snapshot subscriptions")

	// SnapshotsDropped counts snapshots dropped for slow subscribers.
	SnapshotsDropped = metrics.NewCounter("wgtunnel_actor_snapshots_dropped_total", "Snapshots dropped due to full subscriber buffers")
)
