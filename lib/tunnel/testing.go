package tunnel

import (
	"context"
	"sync"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/keys"
)

// MockAdapter is an in-memory Adapter for tests. It enforces the same
// open/closed rules as WireGuard, records every call, and lets tests inject
// handshake and failure events.
type MockAdapter struct {
	mu sync.Mutex

	open    bool
	session Session

	opens     []Session
	closes    int
	rotations []keys.Credentials
	calls     []string

	openErr       error
	rotateErr     error
	autoHandshake bool

	events chan Event
}

// NewMockAdapter creates a closed mock adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		events: make(chan Event, 64),
	}
}

// FailOpen makes every following Open return err. Pass nil to clear.
func (m *MockAdapter) FailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// FailRotate makes every following Rotate return err. Pass nil to clear.
func (m *MockAdapter) FailRotate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateErr = err
}

// SetAutoHandshake makes each successful Open emit EventHandshakeCompleted.
func (m *MockAdapter) SetAutoHandshake(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoHandshake = on
}

// Open implements Adapter.
func (m *MockAdapter) Open(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "open "+s.Relay.Hostname)
	if m.open {
		return apperrors.ErrInterfaceAlreadyOpen
	}
	if m.openErr != nil {
		return m.openErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.open = true
	m.session = s
	m.opens = append(m.opens, s)
	if m.autoHandshake {
		emit(m.events, Event{Session: s.ID, Kind: EventHandshakeCompleted})
	}
	return nil
}

// Close implements Adapter.
func (m *MockAdapter) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "close")
	if !m.open {
		return apperrors.ErrInterfaceNotOpen
	}
	m.open = false
	m.closes++
	return nil
}

// Rotate implements Adapter.
func (m *MockAdapter) Rotate(ctx context.Context, creds keys.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "rotate")
	if !m.open {
		return apperrors.ErrInterfaceNotOpen
	}
	if m.rotateErr != nil {
		return m.rotateErr
	}
	m.session.Credentials = creds
	m.rotations = append(m.rotations, creds)
	return nil
}

// Events implements Adapter.
func (m *MockAdapter) Events() <-chan Event {
	return m.events
}

// Emit injects an arbitrary event. It blocks while the buffer is full.
func (m *MockAdapter) Emit(ev Event) {
	m.events <- ev
}

// CompleteHandshake emits EventHandshakeCompleted for the open session and
// returns its ID. It reports false if nothing is open.
func (m *MockAdapter) CompleteHandshake() (uint64, bool) {
	m.mu.Lock()
	s, open := m.session, m.open
	m.mu.Unlock()
	if !open {
		return 0, false
	}
	m.Emit(Event{Session: s.ID, Kind: EventHandshakeCompleted})
	return s.ID, true
}

// Drop emits EventDown for the open session. It reports false if nothing is open.
func (m *MockAdapter) Drop(err error) (uint64, bool) {
	m.mu.Lock()
	s, open := m.session, m.open
	m.mu.Unlock()
	if !open {
		return 0, false
	}
	m.Emit(Event{Session: s.ID, Kind: EventDown, Err: err})
	return s.ID, true
}

// IsOpen reports whether an interface is open.
func (m *MockAdapter) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Session returns the open session.
func (m *MockAdapter) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.open
}

// Opens returns every successfully opened session in order.
func (m *MockAdapter) Opens() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Session(nil), m.opens...)
}

// Closes returns the number of successful closes.
func (m *MockAdapter) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Rotations returns the credentials applied by successful Rotate calls.
func (m *MockAdapter) Rotations() []keys.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]keys.Credentials(nil), m.rotations...)
}

// Calls returns every call in order, successful or not: "open <hostname>",
// "close" or "rotate".
func (m *MockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
