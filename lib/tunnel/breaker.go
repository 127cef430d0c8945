package tunnel

import (
	"context"
	"errors"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/resilience"
)

// guarded wraps an Adapter so that interface opens go through a circuit breaker.
type guarded struct {
	Adapter
	cb *resilience.CircuitBreaker
}

// WithCircuitBreaker returns an Adapter whose Open fails fast with
// ErrCircuitOpen while cb is open. Close, Rotate and Events pass through.
func WithCircuitBreaker(a Adapter, cb *resilience.CircuitBreaker) Adapter {
	return &guarded{Adapter: a, cb: cb}
}

// Open implements Adapter.
func (g *guarded) Open(ctx context.Context, s Session) error {
	var alreadyOpen bool
	err := g.cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		err := g.Adapter.Open(ctx, s)
		if errors.Is(err, apperrors.ErrInterfaceAlreadyOpen) {
			// A caller bug, not a relay failure.
			alreadyOpen = true
			return nil
		}
		return err
	})
	if alreadyOpen {
		return apperrors.ErrInterfaceAlreadyOpen
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		log.WithField("session", s.ID).
			WithField("circuit", g.cb.Name()).
			Warn("interface open rejected by circuit breaker")
	}
	return err
}
