package actor

import (
	"time"

	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/relay"
	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Kind identifies a command or internal event.
type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindReconnect
	KindNotifyKeyRotated
	KindReplaceCredentials
	KindForceError

	// Internal events, produced by the actor itself.
	KindHandshakeCompleted
	KindTunnelDown
	KindConnectTimeout
)

// allKinds lists every kind, for exhaustive checks.
var allKinds = []Kind{
	KindStart,
	KindStop,
	KindReconnect,
	KindNotifyKeyRotated,
	KindReplaceCredentials,
	KindForceError,
	KindHandshakeCompleted,
	KindTunnelDown,
	KindConnectTimeout,
}

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindReconnect:
		return "reconnect"
	case KindNotifyKeyRotated:
		return "notify-key-rotated"
	case KindReplaceCredentials:
		return "replace-credentials"
	case KindForceError:
		return "force-error"
	case KindHandshakeCompleted:
		return "handshake-completed"
	case KindTunnelDown:
		return "tunnel-down"
	case KindConnectTimeout:
		return "connect-timeout"
	default:
		return "unknown"
	}
}

// Internal reports whether the kind is an actor-generated event.
func (k Kind) Internal() bool {
	return k >= KindHandshakeCompleted
}

// Command is an item on the command channel. Values are immutable once sent.
type Command interface {
	Kind() Kind
}

// StartOptions are captured when Start is called.
type StartOptions struct {
	// Constraints limit relay selection for this and later reconnects.
	Constraints relay.Constraints
	// SelectedRelay skips selection for the first connection.
	SelectedRelay *relay.Relay
	// Credentials override the device key for this start.
	Credentials *keys.Credentials
}

// Start brings the tunnel up.
type Start struct{ Options StartOptions }

// Stop tears the tunnel down.
type Stop struct{}

// Reconnect moves the tunnel to another interface.
type Reconnect struct {
	Next   relay.NextRelay
	Reason ReconnectReason
}

// NotifyKeyRotated records that the device key was rotated at Date.
// A nil Date means now.
type NotifyKeyRotated struct{ Date *time.Time }

// ReplaceCredentials hands over a negotiated preshared key and the
// ephemeral private key to use with it.
type ReplaceCredentials struct {
	PreSharedKey wgtypes.Key
	EphemeralKey wgtypes.Key
}

// ForceError puts the tunnel into the error state.
type ForceError struct{ Reason ErrorReason }

type handshakeCompleted struct{ session uint64 }

type tunnelDown struct {
	session uint64
	err     error
}

type connectTimeout struct{ session uint64 }

func (Start) Kind() Kind              { return KindStart }
func (Stop) Kind() Kind               { return KindStop }
func (Reconnect) Kind() Kind          { return KindReconnect }
func (NotifyKeyRotated) Kind() Kind   { return KindNotifyKeyRotated }
func (ReplaceCredentials) Kind() Kind { return KindReplaceCredentials }
func (ForceError) Kind() Kind         { return KindForceError }
func (handshakeCompleted) Kind() Kind { return KindHandshakeCompleted }
func (tunnelDown) Kind() Kind         { return KindTunnelDown }
func (connectTimeout) Kind() Kind     { return KindConnectTimeout }

// envelope is a command as queued, with its correlation ID.
type envelope struct {
	id       uuid.UUID
	cmd      Command
	enqueued time.Time
}
