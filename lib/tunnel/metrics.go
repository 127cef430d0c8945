package tunnel

import "github.com/go-i2p/wgtunnel/lib/metrics"

// Tunnel adapter metrics
var (
	// InterfaceOpens counts interfaces brought up.
	InterfaceOpens = metrics.NewCounter("wgtunnel_interface_opens_total", "Total WireGuard interfaces opened")

	// InterfaceCloses counts interfaces torn down.
	InterfaceCloses = metrics.NewCounter("wgtunnel_interface_closes_total", "Total WireGuard interfaces closed")

	// EventsDropped counts adapter notifications dropped on a full buffer.
	EventsDropped = metrics.NewCounter("wgtunnel_tunnel_events_dropped_total", "Total tunnel events dropped due to a full buffer")
)
