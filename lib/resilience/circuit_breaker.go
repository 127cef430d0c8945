// Package resilience provides the circuit breaker that guards tunnel
// interface opens.
//
// When a relay or the local network stack keeps rejecting interface
// opens, the breaker trips and further opens fail fast with
// ErrCircuitOpen until the cool-down elapses. The tunnel actor turns that
// failure into an error state instead of hammering the adapter.
//
// State transitions:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (trial) -> Closed
//	                     ^                    |
//	                     +--------------------+ (if the trial fails)
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - opens pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is tripped - opens fail immediately.
	CircuitOpen
	// CircuitHalfOpen means a limited number of trial opens are allowed.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *CircuitState) UnmarshalText(text []byte) error {
	for _, st := range []CircuitState{CircuitClosed, CircuitOpen, CircuitHalfOpen} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown circuit state %q", text)
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `toml:"failure_threshold"`
	// SuccessThreshold is the number of successes in half-open state
	// before closing the circuit.
	SuccessThreshold int `toml:"success_threshold"`
	// Timeout is how long the circuit stays open before allowing a trial.
	Timeout time.Duration `toml:"timeout"`
	// MaxHalfOpenRequests is the maximum number of trial requests allowed in half-open state.
	MaxHalfOpenRequests int `toml:"max_half_open_requests"`
}

// DefaultCircuitBreakerConfig returns defaults tuned for interface opens.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	name   string
	now    func() time.Time

	state CircuitState

	failureCount         int
	successCount         int
	halfOpenRequestCount int

	lastFailureTime time.Time
	lastStateChange time.Time
	openedAt        time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
// Zero-valued fields are replaced with defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}

	return &CircuitBreaker{
		config:          cfg,
		name:            name,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// SetStateChangeCallback sets the callback for state changes.
// The callback runs synchronously with the breaker lock released.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current circuit state, reporting half-open once the
// open timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	allowed, change := cb.allowLocked()
	cb.mu.Unlock()
	cb.notify(change)
	return allowed
}

func (cb *CircuitBreaker) allowLocked() (bool, *transition) {
	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			change := cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenRequestCount = 1
			return true, change
		}
		return false, nil
	case CircuitHalfOpen:
		if cb.halfOpenRequestCount < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequestCount++
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change *transition
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			change = cb.transitionTo(CircuitClosed)
		}
	case CircuitOpen:
		log.WithField("circuit", cb.name).Warn("success recorded while circuit open")
	}
	cb.mu.Unlock()
	cb.notify(change)
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.lastFailureTime = cb.now()
	var change *transition
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			change = cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		change = cb.transitionTo(CircuitOpen)
	}
	cb.mu.Unlock()
	cb.notify(change)
}

type transition struct {
	from, to CircuitState
	callback func(from, to CircuitState)
}

// transitionTo changes the circuit state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) *transition {
	if cb.state == newState {
		return nil
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case CircuitOpen:
		cb.openedAt = cb.now()
		cb.successCount = 0
	case CircuitHalfOpen:
		cb.successCount = 0
		cb.halfOpenRequestCount = 0
	}

	log.WithField("circuit", cb.name).
		WithField("from", oldState.String()).
		WithField("to", newState.String()).
		Info("circuit breaker state transition")

	return &transition{from: oldState, to: newState, callback: cb.onStateChange}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t != nil && t.callback != nil {
		t.callback(t.from, t.to)
	}
}

// ExecuteWithContext runs fn if the circuit allows it and records the result.
// Context cancellation is returned without counting as a failure.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		CircuitBreakerRejections.Inc()
		return ErrCircuitOpen
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		CircuitBreakerFailures.Inc()
		cb.RecordFailure()
		return err
	}

	CircuitBreakerSuccesses.Inc()
	cb.RecordSuccess()
	return nil
}

// Reset returns the circuit breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequestCount = 0
	cb.lastStateChange = cb.now()
	cb.openedAt = time.Time{}
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitBreakerStats holds statistics for a circuit breaker.
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// Name returns the name of this circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
