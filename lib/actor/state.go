package actor

import (
	"fmt"
	"time"

	"github.com/go-i2p/wgtunnel/lib/relay"
)

// Phase is the kind of a State without its payload.
type Phase int

const (
	// PhaseDisconnected means no interface is open and none is wanted.
	PhaseDisconnected Phase = iota
	// PhaseConnecting means an interface is open and waiting for its first handshake.
	PhaseConnecting
	// PhaseConnected means the tunnel carries traffic.
	PhaseConnected
	// PhaseReconnecting means a connected tunnel is moving to a new interface.
	PhaseReconnecting
	// PhaseDisconnecting means the interface is being torn down.
	PhaseDisconnecting
	// PhaseError means the tunnel is blocked until a start or reconnect.
	PhaseError
)

// allPhases lists every phase, for exhaustive checks.
var allPhases = []Phase{
	PhaseDisconnected,
	PhaseConnecting,
	PhaseConnected,
	PhaseReconnecting,
	PhaseDisconnecting,
	PhaseError,
}

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether an interface is wanted in this phase.
func (p Phase) Active() bool {
	return p == PhaseConnecting || p == PhaseConnected || p == PhaseReconnecting
}

// State is the tunnel state. The concrete types are Disconnected,
// Connecting, Connected, Reconnecting, Disconnecting and ErrorState.
type State interface {
	Phase() Phase
	String() string
	isState()
}

// Disconnected is the initial state.
type Disconnected struct{}

// Connecting is waiting for the first handshake with Relay.
type Connecting struct {
	Relay   relay.Relay
	Attempt int
}

// Connected has a completed handshake with Relay.
type Connected struct {
	Relay relay.Relay
	Since time.Time
}

// Reconnecting is moving a previously connected tunnel to Relay.
type Reconnecting struct {
	Relay   relay.Relay
	Attempt int
	Reason  ReconnectReason
}

// Disconnecting is tearing down the interface.
type Disconnecting struct{}

// ErrorState blocks the tunnel until it is started or reconnected again.
type ErrorState struct {
	Reason ErrorReason
	Detail string
}

func (Disconnected) Phase() Phase  { return PhaseDisconnected }
func (Connecting) Phase() Phase    { return PhaseConnecting }
func (Connected) Phase() Phase     { return PhaseConnected }
func (Reconnecting) Phase() Phase  { return PhaseReconnecting }
func (Disconnecting) Phase() Phase { return PhaseDisconnecting }
func (ErrorState) Phase() Phase    { return PhaseError }

func (Disconnected) isState()  {}
func (Connecting) isState()    {}
func (Connected) isState()     {}
func (Reconnecting) isState()  {}
func (Disconnecting) isState() {}
func (ErrorState) isState()    {}

func (Disconnected) String() string { return PhaseDisconnected.String() }

func (s Connecting) String() string {
	return fmt.Sprintf("connecting to %s (attempt %d)", s.Relay.Hostname, s.Attempt)
}

func (s Connected) String() string {
	return fmt.Sprintf("connected to %s", s.Relay.Hostname)
}

func (s Reconnecting) String() string {
	return fmt.Sprintf("reconnecting to %s (attempt %d, %s)", s.Relay.Hostname, s.Attempt, s.Reason)
}

func (Disconnecting) String() string { return PhaseDisconnecting.String() }

func (s ErrorState) String() string {
	if s.Detail == "" {
		return "error: " + s.Reason.String()
	}
	return fmt.Sprintf("error: %s: %s", s.Reason, s.Detail)
}

// relayOf returns the relay a state refers to, if any.
func relayOf(s State) (relay.Relay, bool) {
	switch s := s.(type) {
	case Connecting:
		return s.Relay, true
	case Connected:
		return s.Relay, true
	case Reconnecting:
		return s.Relay, true
	default:
		return relay.Relay{}, false
	}
}

// attemptOf returns the connection attempt of a connecting or reconnecting state.
func attemptOf(s State) int {
	switch s := s.(type) {
	case Connecting:
		return s.Attempt
	case Reconnecting:
		return s.Attempt
	default:
		return 0
	}
}

// ErrorReason explains why the tunnel is in the error state.
type ErrorReason int

const (
	ReasonUnknown ErrorReason = iota
	ReasonNoRelaysSatisfyingConstraints
	ReasonInvalidAccount
	ReasonAccountExpired
	ReasonDeviceRevoked
	ReasonDeviceLoggedOut
	ReasonTunnelAdapter
	ReasonReadSettings
	ReasonReadPrivateKey
	ReasonHandshakeFailed
	ReasonConnectionTimeout
)

var errorReasonNames = map[ErrorReason]string{
	ReasonUnknown:                       "unknown",
	ReasonNoRelaysSatisfyingConstraints: "no-relays-satisfying-constraints",
	ReasonInvalidAccount:                "invalid-account",
	ReasonAccountExpired:                "account-expired",
	ReasonDeviceRevoked:                 "device-revoked",
	ReasonDeviceLoggedOut:               "device-logged-out",
	ReasonTunnelAdapter:                 "tunnel-adapter",
	ReasonReadSettings:                  "read-settings",
	ReasonReadPrivateKey:                "read-private-key",
	ReasonHandshakeFailed:               "handshake-failed",
	ReasonConnectionTimeout:             "connection-timeout",
}

func (r ErrorReason) String() string {
	if name, ok := errorReasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseErrorReason parses the String form of an ErrorReason.
func ParseErrorReason(s string) (ErrorReason, error) {
	for r, name := range errorReasonNames {
		if name == s {
			return r, nil
		}
	}
	return ReasonUnknown, fmt.Errorf("unknown error reason %q", s)
}

// ReconnectReason records why a reconnect was requested.
type ReconnectReason int

const (
	ReconnectUserInitiated ReconnectReason = iota
	ReconnectNetworkChanged
	ReconnectConnectionLoss
	ReconnectErrorRecovery
	ReconnectKeyRotation
)

func (r ReconnectReason) String() string {
	switch r {
	case ReconnectUserInitiated:
		return "user-initiated"
	case ReconnectNetworkChanged:
		return "network-changed"
	case ReconnectConnectionLoss:
		return "connection-loss"
	case ReconnectErrorRecovery:
		return "error-recovery"
	case ReconnectKeyRotation:
		return "key-rotation"
	default:
		return "unknown"
	}
}
