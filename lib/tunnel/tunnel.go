// Package tunnel is the network side of wgtunnel: it brings a WireGuard
// interface up towards one relay, reports handshake progress, and tears it
// down again. The actor in lib/actor is the only caller.
package tunnel

import (
	"context"
	"fmt"

	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/relay"
)

// Session describes one interface lifetime. IDs are assigned by the caller
// and increase monotonically; events carry the ID of the session that
// produced them so stale notifications can be discarded.
type Session struct {
	ID          uint64
	Relay       relay.Relay
	Credentials keys.Credentials
}

func (s Session) String() string {
	return fmt.Sprintf("session %d to %s", s.ID, s.Relay.Hostname)
}

// EventKind identifies an adapter notification.
type EventKind int

const (
	// EventHandshakeCompleted fires once per session after the first handshake.
	EventHandshakeCompleted EventKind = iota
	// EventDown fires when an open session stops working.
	EventDown
)

func (k EventKind) String() string {
	switch k {
	case EventHandshakeCompleted:
		return "handshake-completed"
	case EventDown:
		return "down"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from an Adapter.
type Event struct {
	Session uint64
	Kind    EventKind
	Err     error
}

// Adapter is the outbound tunnel service driven by the actor.
//
// Calls are never made concurrently. At most one session is open at a time:
// Open on an open adapter fails with ErrInterfaceAlreadyOpen, and Close or
// Rotate on a closed adapter fail with ErrInterfaceNotOpen.
type Adapter interface {
	// Open brings up an interface for the session.
	Open(ctx context.Context, s Session) error
	// Close tears down the open interface.
	Close(ctx context.Context) error
	// Rotate replaces the credentials of the open interface in place.
	Rotate(ctx context.Context, creds keys.Credentials) error
	// Events delivers notifications for open sessions. The channel is never closed.
	Events() <-chan Event
}

// eventBufferSize bounds pending adapter notifications.
const eventBufferSize = 16

// emit delivers ev without blocking, dropping it if the buffer is full.
func emit(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		EventsDropped.Inc()
		log.WithField("session", ev.Session).
			WithField("event", ev.Kind.String()).
			Warn("tunnel event buffer full, dropping event")
		return false
	}
}
