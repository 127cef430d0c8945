package actor

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/wgtunnel/lib/relay"
)

// DefaultSubscriptionBuffer is used when Subscribe is given a non-positive size.
const DefaultSubscriptionBuffer = 32

// Snapshot is one published view of the actor.
type Snapshot struct {
	// Sequence increases by one on every publication.
	Sequence uint64
	// State is the tunnel state after the item was processed.
	State State
	// UpdatedAt is when the snapshot was published.
	UpdatedAt time.Time
	// LastCommandID correlates the snapshot with the item that produced it.
	LastCommandID string
	// LastKeyRotation is the most recent key rotation date, or zero.
	LastKeyRotation time.Time
	// PendingCredentials reports queued credentials awaiting the next open.
	PendingCredentials bool
}

// snapshotJSON is the wire form of a Snapshot.
type snapshotJSON struct {
	Sequence           uint64     `json:"sequence"`
	State              stateJSON  `json:"state"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastCommandID      string     `json:"last_command_id,omitempty"`
	LastKeyRotation    *time.Time `json:"last_key_rotation,omitempty"`
	PendingCredentials bool       `json:"pending_credentials"`
}

type stateJSON struct {
	Phase   string       `json:"phase"`
	Relay   *relay.Relay `json:"relay,omitempty"`
	Attempt int          `json:"attempt,omitempty"`
	Since   *time.Time   `json:"since,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// MarshalJSON renders the snapshot with a flattened state.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Sequence:           s.Sequence,
		UpdatedAt:          s.UpdatedAt,
		LastCommandID:      s.LastCommandID,
		PendingCredentials: s.PendingCredentials,
	}
	if !s.LastKeyRotation.IsZero() {
		t := s.LastKeyRotation
		out.LastKeyRotation = &t
	}

	state := s.State
	if state == nil {
		state = Disconnected{}
	}
	out.State.Phase = state.Phase().String()
	if r, ok := relayOf(state); ok {
		out.State.Relay = &r
	}
	switch st := state.(type) {
	case Connecting:
		out.State.Attempt = st.Attempt
	case Connected:
		since := st.Since
		out.State.Since = &since
	case Reconnecting:
		out.State.Attempt = st.Attempt
		out.State.Reason = st.Reason.String()
	case ErrorState:
		out.State.Reason = st.Reason.String()
		out.State.Detail = st.Detail
	}
	return json.Marshal(out)
}

// Subscription receives every snapshot published after it was created,
// starting with the current one. If the reader falls behind by more than
// the buffer size, snapshots are dropped and counted; compare Sequence
// values to detect gaps.
type Subscription struct {
	ch      chan Snapshot
	dropped atomic.Uint64
	cancel  func()
	once    sync.Once
}

// C returns the snapshot channel. It is closed by Close or when the actor closes.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Dropped returns the number of snapshots dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// deliver sends without blocking, counting drops.
func (s *Subscription) deliver(snap Snapshot) {
	select {
	case s.ch <- snap:
	default:
		s.dropped.Add(1)
		SnapshotsDropped.Inc()
	}
}

// publisher fans snapshots out to readers without ever blocking the actor.
type publisher struct {
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	changed chan struct{}
	subs    map[*Subscription]struct{}
	closed  bool
}

func newPublisher(initial Snapshot) *publisher {
	p := &publisher{
		changed: make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
	}
	p.current.Store(&initial)
	return p
}

// publish stores snap as current, wakes Changed waiters and feeds subscribers.
func (p *publisher) publish(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current.Store(&snap)
	close(p.changed)
	p.changed = make(chan struct{})
	for sub := range p.subs {
		sub.deliver(snap)
	}
}

func (p *publisher) snapshot() Snapshot {
	return *p.current.Load()
}

func (p *publisher) changedChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *publisher) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	sub := &Subscription{ch: make(chan Snapshot, buffer)}
	sub.cancel = func() { p.unsubscribe(sub) }

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(sub.ch)
		return sub
	}
	sub.ch <- *p.current.Load()
	p.subs[sub] = struct{}{}
	Subscribers.Inc()
	return sub
}

func (p *publisher) unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[sub]; !ok {
		return
	}
	delete(p.subs, sub)
	close(sub.ch)
	Subscribers.Dec()
}

// close ends every subscription.
func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for sub := range p.subs {
		delete(p.subs, sub)
		close(sub.ch)
		Subscribers.Dec()
	}
}
