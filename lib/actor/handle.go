package actor

import (
	"time"

	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/relay"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Handle is the dispatch side of an Actor. Every method enqueues one command
// and returns immediately; none reports the outcome. Observe snapshots to
// follow progress. Calls from a single goroutine are applied in call order.
//
// A Handle may be copied and shared freely. After the actor is closed the
// methods are no-ops.
type Handle struct {
	mb *mailbox
}

// Start brings the tunnel up with the given options.
func (h Handle) Start(opts StartOptions) {
	if opts.SelectedRelay != nil {
		r := *opts.SelectedRelay
		opts.SelectedRelay = &r
	}
	if opts.Credentials != nil {
		c := copyCredentials(*opts.Credentials)
		opts.Credentials = &c
	}
	h.mb.send(Start{Options: opts})
}

// Stop tears the tunnel down.
func (h Handle) Stop() {
	h.mb.send(Stop{})
}

// Reconnect moves the tunnel to the next relay.
func (h Handle) Reconnect(next relay.NextRelay, reason ReconnectReason) {
	if next.Relay != nil {
		r := *next.Relay
		next.Relay = &r
	}
	h.mb.send(Reconnect{Next: next, Reason: reason})
}

// NotifyKeyRotation records that the device key was rotated at date.
// A nil date means now.
func (h Handle) NotifyKeyRotation(date *time.Time) {
	if date != nil {
		d := *date
		date = &d
	}
	h.mb.send(NotifyKeyRotated{Date: date})
}

// ReplacePreSharedKey hands over a negotiated preshared key and the
// ephemeral private key to use with it.
func (h Handle) ReplacePreSharedKey(key, ephemeralKey wgtypes.Key) {
	h.mb.send(ReplaceCredentials{PreSharedKey: key, EphemeralKey: ephemeralKey})
}

// SetErrorState puts the tunnel into the error state.
func (h Handle) SetErrorState(reason ErrorReason) {
	h.mb.send(ForceError{Reason: reason})
}

func copyCredentials(c keys.Credentials) keys.Credentials {
	if c.PreSharedKey != nil {
		k := *c.PreSharedKey
		c.PreSharedKey = &k
	}
	return c
}
