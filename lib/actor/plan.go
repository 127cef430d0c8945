package actor

// action is what the actor does for one dequeued item.
type action int

const (
	actNone action = iota
	// actConnect selects a relay from the start options and opens an interface.
	actConnect
	// actDisconnect closes the interface through disconnecting to disconnected.
	actDisconnect
	// actReconnect closes the interface and opens one to the next relay.
	actReconnect
	// actRecover leaves the error state by opening an interface to the next relay.
	actRecover
	// actFail closes the interface if open and enters the error state.
	actFail
	// actRecordRotation stores the key rotation date.
	actRecordRotation
	// actQueueCredentials keeps credentials for the next open.
	actQueueCredentials
	// actRotateCredentials applies credentials to the open interface.
	actRotateCredentials
	// actHandshakeCompleted enters connected if the session is current.
	actHandshakeCompleted
	// actTunnelDown enters the error state if the session is current.
	actTunnelDown
	// actConnectTimeout retries or gives up if the session is current.
	actConnectTimeout
)

func (a action) String() string {
	switch a {
	case actNone:
		return "none"
	case actConnect:
		return "connect"
	case actDisconnect:
		return "disconnect"
	case actReconnect:
		return "reconnect"
	case actRecover:
		return "recover"
	case actFail:
		return "fail"
	case actRecordRotation:
		return "record-rotation"
	case actQueueCredentials:
		return "queue-credentials"
	case actRotateCredentials:
		return "rotate-credentials"
	case actHandshakeCompleted:
		return "handshake-completed"
	case actTunnelDown:
		return "tunnel-down"
	case actConnectTimeout:
		return "connect-timeout"
	default:
		return "unknown"
	}
}

// plan maps every (phase, kind) pair to an action. It is total: any pair
// not listed is a no-op. Session checks for internal events happen when the
// action runs.
func plan(p Phase, k Kind) action {
	switch k {
	case KindStart:
		switch p {
		case PhaseDisconnected, PhaseDisconnecting, PhaseError:
			return actConnect
		}

	case KindStop:
		switch p {
		case PhaseConnecting, PhaseConnected, PhaseReconnecting, PhaseError:
			return actDisconnect
		}

	case KindReconnect:
		switch p {
		case PhaseConnecting, PhaseConnected, PhaseReconnecting:
			return actReconnect
		case PhaseError:
			return actRecover
		}

	case KindForceError:
		return actFail

	case KindNotifyKeyRotated:
		return actRecordRotation

	case KindReplaceCredentials:
		if p == PhaseConnected {
			return actRotateCredentials
		}
		return actQueueCredentials

	case KindHandshakeCompleted:
		switch p {
		case PhaseConnecting, PhaseReconnecting:
			return actHandshakeCompleted
		}

	case KindTunnelDown:
		if p.Active() {
			return actTunnelDown
		}

	case KindConnectTimeout:
		switch p {
		case PhaseConnecting, PhaseReconnecting:
			return actConnectTimeout
		}
	}
	return actNone
}
