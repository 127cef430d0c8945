package resilience

import (
	"github.com/go-i2p/wgtunnel/lib/metrics"
)

// Circuit breaker metrics for Prometheus exposition.
var (
	// CircuitBreakerState tracks the state of the interface-open breaker.
	// 0 = closed, 1 = open, 2 = half-open
	CircuitBreakerState = metrics.NewGauge(
		"wgtunnel_circuit_breaker_state",
		"Current state of the interface-open circuit breaker (0=closed, 1=open, 2=half-open)",
	)

	// CircuitBreakerTrips counts the number of times the breaker opened.
	CircuitBreakerTrips = metrics.NewCounter(
		"wgtunnel_circuit_breaker_trips_total",
		"Total number of times the circuit breaker opened",
	)

	CircuitBreakerSuccesses = metrics.NewCounter(
		"wgtunnel_circuit_breaker_successes_total",
		"Total successful operations through the circuit breaker",
	)

	CircuitBreakerFailures = metrics.NewCounter(
		"wgtunnel_circuit_breaker_failures_total",
		"Total failed operations through the circuit breaker",
	)

	CircuitBreakerRejections = metrics.NewCounter(
		"wgtunnel_circuit_breaker_rejections_total",
		"Total operations rejected by an open circuit breaker",
	)
)

// MetricsCallback is a state change callback that updates breaker metrics.
func MetricsCallback(from, to CircuitState) {
	CircuitBreakerState.Set(int64(to))
	if to == CircuitOpen {
		CircuitBreakerTrips.Inc()
	}
}

// NewMetricsCircuitBreaker creates a circuit breaker that records state metrics.
func NewMetricsCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := NewCircuitBreaker(name, cfg)
	cb.SetStateChangeCallback(MetricsCallback)
	return cb
}
