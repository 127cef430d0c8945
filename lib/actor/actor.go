// Package actor owns the lifecycle of a single WireGuard tunnel.
//
// Callers dispatch commands through a Handle. Commands enter one ordered
// channel, are coalesced against pending work, and are applied one at a
// time by a single goroutine against a total transition table. Every
// processed item publishes a Snapshot that observers read through
// Snapshot, Changed or Subscribe.
//
// Adapter notifications and the connect timer re-enter through the same
// channel as internal events tagged with the session that produced them,
// so a notification from an interface that has since been replaced is a
// no-op.
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/relay"
	"github.com/go-i2p/wgtunnel/lib/tunnel"
)

// Actor serializes all tunnel commands.
type Actor struct {
	Handle

	cfg       Config
	mailbox   *mailbox
	publisher *publisher

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by the run goroutine.
	state         State
	sequence      uint64
	session       uint64
	ifaceOpen     bool
	current       *relay.Relay
	constraints   relay.Constraints
	overrideCreds *keys.Credentials
	pendingCreds  *keys.Credentials
	lastRotation  time.Time
	lastCommand   string
	timer         *time.Timer
}

// New creates an actor in the disconnected state and starts its goroutines.
func New(cfg Config, opts ...Option) (*Actor, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mb := newMailbox()
	mb.now = cfg.Now
	ctx, cancel := context.WithCancel(context.Background())

	a := &Actor{
		Handle:  Handle{mb: mb},
		cfg:     cfg,
		mailbox: mb,
		ctx:     ctx,
		cancel:  cancel,
		state:   Disconnected{},
	}
	a.publisher = newPublisher(Snapshot{State: a.state, UpdatedAt: cfg.Now()})
	CurrentPhase.Set(int64(PhaseDisconnected))

	a.wg.Add(2)
	go a.run()
	go a.forwardEvents()

	log.WithField("max_connect_attempts", cfg.MaxConnectAttempts).
		WithField("connect_timeout", cfg.ConnectTimeout.String()).
		Debug("tunnel actor started")
	return a, nil
}

// Snapshot returns the latest published snapshot. It never blocks.
func (a *Actor) Snapshot() Snapshot {
	return a.publisher.snapshot()
}

// Changed returns a channel that is closed at the next publication.
// Call it again after each wake-up.
func (a *Actor) Changed() <-chan struct{} {
	return a.publisher.changedChan()
}

// Subscribe attaches an observer with the given buffer size. The current
// snapshot is delivered first.
func (a *Actor) Subscribe(buffer int) *Subscription {
	return a.publisher.subscribe(buffer)
}

// Close stops accepting commands, discards pending ones, tears down an open
// interface and waits for the actor goroutines to exit or ctx to expire.
func (a *Actor) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if n := a.mailbox.close(); n > 0 {
			log.WithField("discarded", n).Debug("discarding pending commands on close")
		}
		a.cancel()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single consumer of the command channel.
func (a *Actor) run() {
	defer a.wg.Done()
	for {
		env, ok := a.mailbox.receive(a.ctx.Done())
		if !ok {
			break
		}
		a.process(env)
	}
	a.shutdown()
}

// forwardEvents turns adapter notifications into internal events.
func (a *Actor) forwardEvents() {
	defer a.wg.Done()
	events := a.cfg.Adapter.Events()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case tunnel.EventHandshakeCompleted:
				a.mailbox.send(handshakeCompleted{session: ev.Session})
			case tunnel.EventDown:
				a.mailbox.send(tunnelDown{session: ev.Session, err: ev.Err})
			}
		}
	}
}

func (a *Actor) process(env envelope) {
	started := time.Now()
	kind := env.cmd.Kind()
	act := plan(a.state.Phase(), kind)
	a.lastCommand = env.id.String()

	log.WithField("id", a.lastCommand).
		WithField("kind", kind.String()).
		WithField("phase", a.state.Phase().String()).
		WithField("action", act.String()).
		WithField("queued", a.cfg.Now().Sub(env.enqueued).String()).
		Debug("processing command")

	switch act {
	case actConnect:
		a.connect(env.cmd.(Start).Options)
	case actDisconnect:
		a.disconnect()
	case actReconnect:
		a.reconnect(env.cmd.(Reconnect))
	case actRecover:
		a.recover(env.cmd.(Reconnect))
	case actFail:
		a.fail(env.cmd.(ForceError).Reason, "")
	case actRecordRotation:
		a.recordRotation(env.cmd.(NotifyKeyRotated))
	case actQueueCredentials:
		c := env.cmd.(ReplaceCredentials)
		creds := keys.Ephemeral(c.PreSharedKey, c.EphemeralKey)
		a.pendingCreds = &creds
	case actRotateCredentials:
		a.rotate(env.cmd.(ReplaceCredentials))
	case actHandshakeCompleted:
		a.handshakeCompleted(env.cmd.(handshakeCompleted).session)
	case actTunnelDown:
		ev := env.cmd.(tunnelDown)
		a.tunnelDown(ev.session, ev.err)
	case actConnectTimeout:
		a.connectTimedOut(env.cmd.(connectTimeout).session)
	}

	a.publish()
	CommandsProcessed.Inc(kind.String())
	ProcessingTime.ObserveSince(started)
}

func (a *Actor) connect(opts StartOptions) {
	a.closeInterface(a.ctx)
	a.constraints = opts.Constraints
	a.overrideCreds = opts.Credentials

	next := relay.Random()
	if opts.SelectedRelay != nil {
		next = relay.PreSelected(*opts.SelectedRelay)
	}
	r, err := relay.Resolve(a.cfg.Selector, next, a.constraints, nil)
	if err != nil {
		a.selectionFailed(err)
		return
	}

	a.setState(Connecting{Relay: r, Attempt: 1})
	a.openInterface(r, 1)
}

func (a *Actor) disconnect() {
	a.setState(Disconnecting{})
	a.publish()
	a.closeInterface(a.ctx)
	a.current = nil
	a.setState(Disconnected{})
}

func (a *Actor) reconnect(cmd Reconnect) {
	r, err := relay.Resolve(a.cfg.Selector, cmd.Next, a.constraints, a.current)
	if err != nil {
		a.selectionFailed(err)
		return
	}

	// A requested reconnect starts a fresh attempt count; only connect
	// timeouts advance it.
	var next State
	switch a.state.(type) {
	case Connected, Reconnecting:
		next = Reconnecting{Relay: r, Attempt: 1, Reason: cmd.Reason}
	case Connecting:
		next = Connecting{Relay: r, Attempt: 1}
	default:
		return
	}

	log.WithField("next", cmd.Next.String()).
		WithField("reason", cmd.Reason.String()).
		Info("reconnecting tunnel")

	a.setState(next)
	a.publish()
	a.closeInterface(a.ctx)
	a.openInterface(r, attemptOf(next))
}

func (a *Actor) recover(cmd Reconnect) {
	r, err := relay.Resolve(a.cfg.Selector, cmd.Next, a.constraints, a.current)
	if err != nil {
		a.selectionFailed(err)
		return
	}
	log.WithField("reason", cmd.Reason.String()).Info("recovering tunnel from error state")
	a.setState(Connecting{Relay: r, Attempt: 1})
	a.openInterface(r, 1)
}

// selectionFailed enters the error state for a relay that could not be
// resolved. A malformed relay is a settings problem, not an empty match.
func (a *Actor) selectionFailed(err error) {
	reason := ReasonReadSettings
	if apperrors.IsNotFound(err) {
		reason = ReasonNoRelaysSatisfyingConstraints
	}
	a.fail(reason, apperrors.FromSentinel(err).SafeMessage())
}

func (a *Actor) fail(reason ErrorReason, detail string) {
	a.closeInterface(a.ctx)
	a.setState(ErrorState{Reason: reason, Detail: detail})
}

func (a *Actor) recordRotation(cmd NotifyKeyRotated) {
	date := a.cfg.Now()
	if cmd.Date != nil {
		date = *cmd.Date
	}
	a.lastRotation = date
	log.WithField("date", date.Format(time.RFC3339)).Info("recorded key rotation")
}

func (a *Actor) rotate(cmd ReplaceCredentials) {
	creds := keys.Ephemeral(cmd.PreSharedKey, cmd.EphemeralKey)

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.OperationTimeout)
	defer cancel()
	if err := a.cfg.Adapter.Rotate(ctx, creds); err != nil {
		log.WithError(err).WithField("session", a.session).Warn("failed to rotate credentials")
		a.fail(ReasonTunnelAdapter, err.Error())
		return
	}
	a.pendingCreds = nil
}

func (a *Actor) handshakeCompleted(session uint64) {
	if a.stale(session, KindHandshakeCompleted) {
		return
	}
	a.stopTimer()
	r, _ := relayOf(a.state)
	a.setState(Connected{Relay: r, Since: a.cfg.Now()})
}

func (a *Actor) tunnelDown(session uint64, err error) {
	if a.stale(session, KindTunnelDown) {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	a.fail(ReasonHandshakeFailed, detail)
}

func (a *Actor) connectTimedOut(session uint64) {
	if a.stale(session, KindConnectTimeout) {
		return
	}

	attempt := attemptOf(a.state)
	if attempt >= a.cfg.MaxConnectAttempts {
		a.fail(ReasonConnectionTimeout, fmt.Sprintf("no handshake after %d attempts", attempt))
		return
	}

	r, err := relay.Resolve(a.cfg.Selector, relay.Random(), a.constraints, a.current)
	if err != nil {
		a.selectionFailed(err)
		return
	}

	var next State = Connecting{Relay: r, Attempt: attempt + 1}
	if _, ok := a.state.(Reconnecting); ok {
		next = Reconnecting{Relay: r, Attempt: attempt + 1, Reason: ReconnectConnectionLoss}
	}

	log.WithField("attempt", attempt).
		WithField("relay", r.Hostname).
		Warn("no handshake before connect timeout, trying next relay")

	a.setState(next)
	a.publish()
	a.closeInterface(a.ctx)
	a.openInterface(r, attempt+1)
}

// stale reports whether an internal event belongs to a session that is no
// longer open.
func (a *Actor) stale(session uint64, kind Kind) bool {
	if a.ifaceOpen && session == a.session {
		return false
	}
	log.WithField("kind", kind.String()).
		WithField("session", session).
		WithField("current", a.session).
		Debug("ignoring event from stale session")
	return true
}

// credentials returns what the next open presents: queued credentials
// first, then the start override, then the device key.
func (a *Actor) credentials() keys.Credentials {
	switch {
	case a.pendingCreds != nil:
		return *a.pendingCreds
	case a.overrideCreds != nil:
		return *a.overrideCreds
	default:
		return a.cfg.Credentials.Credentials()
	}
}

// openInterface opens a new session to r. On failure the actor enters the
// error state.
func (a *Actor) openInterface(r relay.Relay, attempt int) bool {
	a.session++
	s := tunnel.Session{ID: a.session, Relay: r, Credentials: a.credentials()}

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.OperationTimeout)
	defer cancel()
	if err := a.cfg.Adapter.Open(ctx, s); err != nil {
		entry := log.WithError(err).
			WithField("session", s.ID).
			WithField("relay", r.Hostname)
		if apperrors.IsCircuitOpen(err) {
			entry.Warn("interface opens suspended after repeated failures")
		} else {
			entry.Warn("failed to open tunnel interface")
		}
		a.current = &r
		a.setState(ErrorState{Reason: ReasonTunnelAdapter, Detail: apperrors.FromSentinel(err).SafeMessage()})
		return false
	}

	a.ifaceOpen = true
	a.current = &r
	// Queued credentials are good for one handshake.
	a.pendingCreds = nil
	a.armTimer(attempt)
	return true
}

// closeInterface closes the open interface, if any. Close errors are logged
// and the interface is considered gone either way.
func (a *Actor) closeInterface(parent context.Context) {
	a.stopTimer()
	if !a.ifaceOpen {
		return
	}
	a.ifaceOpen = false

	ctx, cancel := context.WithTimeout(parent, a.cfg.OperationTimeout)
	defer cancel()
	if err := a.cfg.Adapter.Close(ctx); err != nil {
		log.WithError(err).WithField("session", a.session).Warn("failed to close tunnel interface")
	}
}

func (a *Actor) armTimer(attempt int) {
	a.stopTimer()
	session := a.session
	a.timer = time.AfterFunc(a.cfg.connectTimeout(attempt), func() {
		a.mailbox.send(connectTimeout{session: session})
	})
}

func (a *Actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Actor) setState(s State) {
	old := a.state
	a.state = s
	CurrentPhase.Set(int64(s.Phase()))
	if old == s {
		return
	}
	if old.Phase() != s.Phase() {
		Transitions.Inc(s.Phase().String())
	}
	log.WithField("from", old.String()).
		WithField("to", s.String()).
		Info("tunnel state transition")
}

func (a *Actor) publish() {
	a.sequence++
	a.publisher.publish(Snapshot{
		Sequence:           a.sequence,
		State:              a.state,
		UpdatedAt:          a.cfg.Now(),
		LastCommandID:      a.lastCommand,
		LastKeyRotation:    a.lastRotation,
		PendingCredentials: a.pendingCreds != nil,
	})
}

// shutdown runs once the loop exits.
func (a *Actor) shutdown() {
	a.closeInterface(context.Background())
	if a.state.Phase() != PhaseDisconnected {
		a.current = nil
		a.setState(Disconnected{})
		a.publish()
	}
	a.publisher.close()
	log.Debug("tunnel actor stopped")
}
