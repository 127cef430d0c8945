package actor

import (
	"errors"
	"math"
	"time"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/relay"
	"github.com/go-i2p/wgtunnel/lib/tunnel"
)

// Default configuration values for the actor.
const (
	DefaultOperationTimeout   = 30 * time.Second
	DefaultConnectTimeout     = 4 * time.Second
	DefaultMaxConnectTimeout  = 30 * time.Second
	DefaultTimeoutMultiplier  = 2.0
	DefaultMaxConnectAttempts = 8
)

// CredentialSource supplies the device credentials used when neither the
// start options nor a queued replacement provide any. *keys.DeviceKey
// satisfies it.
type CredentialSource interface {
	Credentials() keys.Credentials
}

// Config configures an Actor.
// Fields with zero values use sensible defaults.
type Config struct {
	// Adapter opens and closes tunnel interfaces. Required.
	Adapter tunnel.Adapter

	// Selector picks relays. Required.
	Selector relay.Selector

	// Credentials supplies the device key. Required.
	Credentials CredentialSource

	// OperationTimeout bounds each adapter call.
	// Default: 30s
	OperationTimeout time.Duration

	// ConnectTimeout is how long the first attempt waits for a handshake.
	// Later attempts wait longer, growing by TimeoutMultiplier.
	// Default: 4s
	ConnectTimeout time.Duration

	// MaxConnectTimeout caps the per-attempt handshake wait.
	// Default: 30s
	MaxConnectTimeout time.Duration

	// TimeoutMultiplier grows the handshake wait between attempts.
	// Default: 2.0
	TimeoutMultiplier float64

	// MaxConnectAttempts is the number of attempts before giving up with a
	// connection-timeout error.
	// Default: 8
	MaxConnectAttempts int

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// Option is a functional option for configuring an Actor.
type Option func(*Config)

// WithOperationTimeout sets the per-call adapter timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.OperationTimeout = d
	}
}

// WithConnectTimeout sets the first and maximum handshake waits.
func WithConnectTimeout(initial, max time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = initial
		c.MaxConnectTimeout = max
	}
}

// WithMaxConnectAttempts sets the attempt limit.
func WithMaxConnectAttempts(n int) Option {
	return func(c *Config) {
		c.MaxConnectAttempts = n
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

// DefaultConfig returns a Config with sensible defaults and no collaborators.
func DefaultConfig() Config {
	return Config{
		OperationTimeout:   DefaultOperationTimeout,
		ConnectTimeout:     DefaultConnectTimeout,
		MaxConnectTimeout:  DefaultMaxConnectTimeout,
		TimeoutMultiplier:  DefaultTimeoutMultiplier,
		MaxConnectAttempts: DefaultMaxConnectAttempts,
		Now:                time.Now,
	}
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.MaxConnectTimeout <= 0 {
		c.MaxConnectTimeout = defaults.MaxConnectTimeout
	}
	if c.MaxConnectTimeout < c.ConnectTimeout {
		c.MaxConnectTimeout = c.ConnectTimeout
	}
	if c.TimeoutMultiplier < 1 {
		c.TimeoutMultiplier = defaults.TimeoutMultiplier
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = defaults.MaxConnectAttempts
	}
	if c.Now == nil {
		c.Now = defaults.Now
	}
}

// Validate checks that the required collaborators are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Adapter == nil {
		errs = append(errs, errors.New("adapter is required"))
	}
	if c.Selector == nil {
		errs = append(errs, errors.New("relay selector is required"))
	}
	if c.Credentials == nil {
		errs = append(errs, errors.New("credential source is required"))
	}
	if len(errs) > 0 {
		return apperrors.Join(apperrors.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// connectTimeout returns the handshake wait for the given attempt:
// initial * multiplier^(attempt-1), capped at the maximum.
func (c *Config) connectTimeout(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.ConnectTimeout) * math.Pow(c.TimeoutMultiplier, float64(attempt-1))
	if d > float64(c.MaxConnectTimeout) {
		d = float64(c.MaxConnectTimeout)
	}
	return time.Duration(d)
}
