package actor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// mailbox is the unbounded multi-producer, single-consumer command queue.
//
// send never blocks and keeps acceptance order. Before appending, the new
// item is coalesced against the tail of the pending queue:
//
//	Stop                  drops trailing Reconnects, then is dropped if the tail is a Stop
//	ForceError            drops trailing Reconnects, then replaces a tail ForceError
//	Reconnect             replaces a tail Reconnect
//	NotifyKeyRotated      replaces a tail NotifyKeyRotated
//	ReplaceCredentials    replaces a tail ReplaceCredentials
//	Start, internal events are never coalesced
//
// Items that survive keep their relative order. The item being processed
// has already left the queue and is never affected.
//
// The notify channel (capacity 1) wakes the consumer when items arrive.
type mailbox struct {
	mu     sync.Mutex
	items  []envelope
	closed bool
	notify chan struct{}
	now    func() time.Time
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// send enqueues cmd. It reports false if the item was not queued, either
// because the mailbox is closed or because it was absorbed by coalescing.
func (m *mailbox) send(cmd Command) bool {
	env := envelope{id: uuid.New(), cmd: cmd, enqueued: m.now()}
	kind := cmd.Kind()
	CommandsReceived.Inc(kind.String())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		log.WithField("kind", kind.String()).Debug("actor closed, dropping command")
		return false
	}

	switch kind {
	case KindStop:
		m.dropTrailing(KindReconnect)
		if m.tailIs(KindStop) {
			m.coalesced(kind, env)
			return false
		}
	case KindForceError:
		m.dropTrailing(KindReconnect)
		if m.tailIs(KindForceError) {
			m.replaceTail(env)
			return true
		}
	case KindReconnect, KindNotifyKeyRotated, KindReplaceCredentials:
		if m.tailIs(kind) {
			m.replaceTail(env)
			return true
		}
	}

	m.items = append(m.items, env)
	QueueDepth.Set(int64(len(m.items)))
	m.signal()
	return true
}

func (m *mailbox) tailIs(kind Kind) bool {
	return len(m.items) > 0 && m.items[len(m.items)-1].cmd.Kind() == kind
}

// dropTrailing removes pending items of the given kind from the tail.
func (m *mailbox) dropTrailing(kind Kind) {
	for m.tailIs(kind) {
		last := len(m.items) - 1
		m.coalesced(kind, m.items[last])
		m.items[last] = envelope{}
		m.items = m.items[:last]
	}
	QueueDepth.Set(int64(len(m.items)))
}

func (m *mailbox) replaceTail(env envelope) {
	last := len(m.items) - 1
	m.coalesced(env.cmd.Kind(), m.items[last])
	m.items[last] = env
	m.signal()
}

func (m *mailbox) coalesced(kind Kind, dropped envelope) {
	CommandsCoalesced.Inc()
	log.WithField("kind", kind.String()).
		WithField("id", dropped.id.String()).
		Debug("coalesced pending command")
}

// signal wakes the consumer without blocking.
func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// receive removes and returns the oldest item, waiting until one is
// available or done is closed.
func (m *mailbox) receive(done <-chan struct{}) (envelope, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			env := m.items[0]
			m.items[0] = envelope{}
			m.items = m.items[1:]
			QueueDepth.Set(int64(len(m.items)))
			m.mu.Unlock()
			return env, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-done:
			return envelope{}, false
		}
	}
}

// close stops accepting items and discards anything still pending.
func (m *mailbox) close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	discarded := len(m.items)
	m.items = nil
	QueueDepth.Set(0)
	return discarded
}

// pending returns the number of pending items.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// kinds returns the kinds of pending items in order.
func (m *mailbox) kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, len(m.items))
	for i, env := range m.items {
		out[i] = env.cmd.Kind()
	}
	return out
}
