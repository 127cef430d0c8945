package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testBreaker returns a breaker driven by a manually advanced clock.
func testBreaker(t *testing.T, cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", cfg)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakerDefaultsApplied(t *testing.T) {
	cb := NewCircuitBreaker("defaults", CircuitBreakerConfig{})
	want := DefaultCircuitBreakerConfig()
	if cb.config != want {
		t.Errorf("expected defaults %+v, got %+v", want, cb.config)
	}
	if cb.Name() != "defaults" {
		t.Errorf("expected name 'defaults', got %q", cb.Name())
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state Closed, got %v", cb.State())
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb, _ := testBreaker(t, CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Second})

	for i := 0; i < 3; i++ {
		if cb.State() == CircuitOpen {
			t.Fatalf("circuit opened too early at failure %d", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected circuit to be Open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("expected Allow to return false when open")
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := testBreaker(t, CircuitBreakerConfig{FailureThreshold: 2})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed after interleaved success, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenTrial(t *testing.T) {
	cb, now := testBreaker(t, CircuitBreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		MaxHalfOpenRequests: 1,
	})

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("expected rejection while open")
	}

	*now = now.Add(10 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected HalfOpen after timeout, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected the first trial request to be allowed")
	}
	if cb.Allow() {
		t.Error("expected the second trial request to be rejected")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed after successful trial, got %v", cb.State())
	}
}

func TestCircuitBreakerReopensOnFailedTrial(t *testing.T) {
	cb, now := testBreaker(t, CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	cb.RecordFailure()
	*now = now.Add(time.Second)
	if !cb.Allow() {
		t.Fatal("expected the trial request to be allowed")
	}
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Errorf("expected Open after failed trial, got %v", cb.State())
	}
}

func TestCircuitBreakerExecuteWithContext(t *testing.T) {
	cb, _ := testBreaker(t, CircuitBreakerConfig{FailureThreshold: 1})
	boom := errors.New("open failed")

	if err := cb.ExecuteWithContext(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cb.ExecuteWithContext(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	called := false
	err := cb.ExecuteWithContext(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("function should not run while the circuit is open")
	}
}

func TestCircuitBreakerExecuteWithContextCancelled(t *testing.T) {
	cb, _ := testBreaker(t, CircuitBreakerConfig{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		cancel()
		return errors.New("interrupted")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Error("cancellation must not count as a failure")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := testBreaker(t, CircuitBreakerConfig{FailureThreshold: 1})
	cb.RecordFailure()
	cb.Reset()

	stats := cb.Stats()
	if stats.State != CircuitClosed || stats.FailureCount != 0 {
		t.Errorf("expected clean closed stats after Reset, got %+v", stats)
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cb, _ := testBreaker(t, CircuitBreakerConfig{FailureThreshold: 1})

	var mu sync.Mutex
	var seen []CircuitState
	cb.SetStateChangeCallback(func(from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	})

	cb.RecordFailure()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != CircuitOpen {
		t.Errorf("expected a single transition to open, got %v", seen)
	}
}

func TestMetricsCircuitBreaker(t *testing.T) {
	cb := NewMetricsCircuitBreaker("metrics", CircuitBreakerConfig{FailureThreshold: 1})
	trips := CircuitBreakerTrips.Value()

	_ = cb.ExecuteWithContext(context.Background(), func(context.Context) error { return errors.New("fail") })

	if CircuitBreakerTrips.Value() != trips+1 {
		t.Errorf("expected trips to increase by one")
	}
	if CircuitBreakerState.Value() != int64(CircuitOpen) {
		t.Errorf("expected state gauge %d, got %d", CircuitOpen, CircuitBreakerState.Value())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", state, state.String(), want)
		}
	}
}

func TestCircuitStateText(t *testing.T) {
	for _, state := range []CircuitState{CircuitClosed, CircuitOpen, CircuitHalfOpen} {
		text, err := state.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got CircuitState
		if err := got.UnmarshalText(text); err != nil || got != state {
			t.Errorf("UnmarshalText(%q) = %v, %v", text, got, err)
		}
	}

	var s CircuitState
	if err := s.UnmarshalText([]byte("ajar")); err == nil {
		t.Error("UnmarshalText should reject unknown names")
	}
}

func TestCircuitBreakerConcurrency(t *testing.T) {
	cb := NewCircuitBreaker("concurrent", CircuitBreakerConfig{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if cb.Allow() {
				if i%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
			}
			_ = cb.Stats()
		}(i)
	}
	wg.Wait()
}
