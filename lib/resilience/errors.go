package resilience

import apperrors "github.com/go-i2p/wgtunnel/lib/errors"

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
