// Package core holds the daemon configuration and turns it into the
// collaborators the tunnel actor needs.
package core

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-i2p/wgtunnel/lib/actor"
	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/relay"
	"github.com/go-i2p/wgtunnel/lib/resilience"
	"github.com/go-i2p/wgtunnel/lib/tunnel"
	"github.com/go-i2p/wgtunnel/lib/validation"
	"github.com/pelletier/go-toml/v2"
)

// Default configuration values
const (
	DefaultTunnelAddress = "10.64.0.2"
	DefaultObserveListen = "127.0.0.1:8080"
	DefaultConfigFile    = "config.toml"
)

// Config holds all configuration for the wgtunnel daemon.
type Config struct {
	Tunnel      TunnelConfig                    `toml:"tunnel"`
	Keys        KeysConfig                      `toml:"keys"`
	Relays      []RelayConfig                   `toml:"relays"`
	Constraints relay.Constraints               `toml:"constraints"`
	Resilience  resilience.CircuitBreakerConfig `toml:"resilience"`
	Observe     ObserveConfig                   `toml:"observe"`
}

// TunnelConfig contains interface and actor settings.
type TunnelConfig struct {
	// DataDir is the directory where persistent data is stored
	DataDir string `toml:"data_dir"`
	// Address is the tunnel address assigned by the relay operator
	Address string `toml:"address"`
	// DNS servers reachable through the tunnel
	DNS []string `toml:"dns,omitempty"`
	// MTU of the tunnel interface
	MTU int `toml:"mtu"`
	// AllowedIPs routed through the relay; empty means everything
	AllowedIPs []string `toml:"allowed_ips,omitempty"`
	// Keepalive is the persistent keepalive interval in seconds
	Keepalive int `toml:"keepalive"`
	// HandshakePoll is how often the device is polled for handshakes
	HandshakePoll time.Duration `toml:"handshake_poll"`
	// HandshakeStaleAge is how old a handshake may get before the tunnel is considered down
	HandshakeStaleAge time.Duration `toml:"handshake_stale_age"`
	// OperationTimeout bounds each open, close or rotate
	OperationTimeout time.Duration `toml:"operation_timeout"`
	// ConnectTimeout is the handshake wait of the first attempt
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	// MaxConnectTimeout caps the handshake wait of later attempts
	MaxConnectTimeout time.Duration `toml:"max_connect_timeout"`
	// MaxConnectAttempts before the tunnel gives up with a timeout error
	MaxConnectAttempts int `toml:"max_connect_attempts"`
	// AutoStart starts the tunnel when the daemon launches
	AutoStart bool `toml:"auto_start"`
}

// KeysConfig contains device key settings.
type KeysConfig struct {
	// DeviceKeyFile is the key file path, relative to DataDir unless absolute
	DeviceKeyFile string `toml:"device_key_file"`
}

// RelayConfig is one configured relay.
type RelayConfig struct {
	Hostname  string `toml:"hostname"`
	Location  string `toml:"location"`
	Endpoint  string `toml:"endpoint"`
	PublicKey string `toml:"public_key"`
	Weight    int    `toml:"weight,omitempty"`
}

// ObserveConfig contains observer HTTP server settings.
type ObserveConfig struct {
	// Enabled controls whether the observer server is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the observer server to
	Listen string `toml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults and no relays.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".wgtunnel")

	return &Config{
		Tunnel: TunnelConfig{
			DataDir:            dataDir,
			Address:            DefaultTunnelAddress,
			MTU:                tunnel.DefaultMTU,
			Keepalive:          tunnel.DefaultKeepalive,
			HandshakePoll:      tunnel.DefaultHandshakePoll,
			HandshakeStaleAge:  tunnel.DefaultHandshakeStaleAge,
			OperationTimeout:   actor.DefaultOperationTimeout,
			ConnectTimeout:     actor.DefaultConnectTimeout,
			MaxConnectTimeout:  actor.DefaultMaxConnectTimeout,
			MaxConnectAttempts: actor.DefaultMaxConnectAttempts,
		},
		Keys: KeysConfig{
			DeviceKeyFile: keys.DeviceKeyFileName,
		},
		Resilience: resilience.DefaultCircuitBreakerConfig(),
		Observe: ObserveConfig{
			Enabled: true,
			Listen:  DefaultObserveListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.WithField("path", path).Debug("config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.WithField("path", path).WithField("relays", len(cfg.Relays)).Debug("loaded config")
	return cfg, nil
}

// applyEnvOverrides applies WGTUNNEL_* environment variables on top of the
// file values. Unparseable values are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("WGTUNNEL_DATA_DIR"); ok {
		cfg.Tunnel.DataDir = v
	}
	if v, ok := os.LookupEnv("WGTUNNEL_ADDRESS"); ok {
		cfg.Tunnel.Address = v
	}
	envInt("WGTUNNEL_MTU", &cfg.Tunnel.MTU)
	envInt("WGTUNNEL_MAX_CONNECT_ATTEMPTS", &cfg.Tunnel.MaxConnectAttempts)
	envDuration("WGTUNNEL_CONNECT_TIMEOUT", &cfg.Tunnel.ConnectTimeout)
	envDuration("WGTUNNEL_OPERATION_TIMEOUT", &cfg.Tunnel.OperationTimeout)
	envBool("WGTUNNEL_AUTO_START", &cfg.Tunnel.AutoStart)
	if v, ok := os.LookupEnv("WGTUNNEL_LOCATION"); ok {
		cfg.Constraints.Location = v
	}
	envBool("WGTUNNEL_OBSERVE_ENABLED", &cfg.Observe.Enabled)
	if v, ok := os.LookupEnv("WGTUNNEL_OBSERVE_LISTEN"); ok {
		cfg.Observe.Listen = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithField("key", key).WithError(err).Warn("ignoring invalid integer override")
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithField("key", key).WithError(err).Warn("ignoring invalid boolean override")
		return
	}
	*dst = b
}

// envDuration accepts Go duration strings ("5s") or whole seconds.
func envDuration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		log.WithField("key", key).WithError(err).Warn("ignoring invalid duration override")
		return
	}
	*dst = time.Duration(secs) * time.Second
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors. Every problem is reported,
// not just the first.
func (c *Config) Validate() error {
	var errs validation.Errors

	t := c.Tunnel
	errs.Add(validation.Required("tunnel.data_dir", t.DataDir))
	if _, err := netip.ParseAddr(t.Address); err != nil {
		errs.Add(validation.NewResult("tunnel.address", "must be an IP address", validation.ErrInvalidFormat))
	}
	for _, s := range t.DNS {
		if _, err := netip.ParseAddr(s); err != nil {
			errs.Add(validation.NewResult("tunnel.dns", fmt.Sprintf("%q is not an IP address", s), validation.ErrInvalidFormat))
		}
	}
	for _, s := range t.AllowedIPs {
		if _, err := netip.ParsePrefix(s); err != nil {
			errs.Add(validation.NewResult("tunnel.allowed_ips", fmt.Sprintf("%q is not a prefix", s), validation.ErrInvalidFormat))
		}
	}
	errs.Add(validation.IntRange("tunnel.mtu", t.MTU, 576, 65535))
	errs.Add(validation.IntRange("tunnel.keepalive", t.Keepalive, 0, 65535))
	errs.Add(validation.DurationRange("tunnel.handshake_poll", t.HandshakePoll, 10*time.Millisecond, time.Minute))
	errs.Add(validation.DurationRange("tunnel.handshake_stale_age", t.HandshakeStaleAge, time.Second, time.Hour))
	errs.Add(validation.DurationRange("tunnel.operation_timeout", t.OperationTimeout, time.Second, 10*time.Minute))
	errs.Add(validation.DurationRange("tunnel.connect_timeout", t.ConnectTimeout, 100*time.Millisecond, 10*time.Minute))
	errs.Add(validation.DurationRange("tunnel.max_connect_timeout", t.MaxConnectTimeout, t.ConnectTimeout, time.Hour))
	errs.Add(validation.IntRange("tunnel.max_connect_attempts", t.MaxConnectAttempts, 1, 100))

	errs.Add(validation.Required("keys.device_key_file", c.Keys.DeviceKeyFile))

	seen := make(map[string]bool, len(c.Relays))
	for _, rc := range c.Relays {
		if _, err := rc.Relay(); err != nil {
			errs.Add(err)
			continue
		}
		if seen[rc.Hostname] {
			errs.Add(validation.NewResult("relays", fmt.Sprintf("duplicate hostname %q", rc.Hostname), validation.ErrInvalidFormat))
		}
		seen[rc.Hostname] = true
	}
	errs.Add(c.Constraints.Validate())

	errs.Add(validation.Positive("resilience.failure_threshold", c.Resilience.FailureThreshold))

	if c.Observe.Enabled {
		if _, port, err := net.SplitHostPort(c.Observe.Listen); err != nil {
			errs.Add(validation.NewResult("observe.listen", "must be host:port", validation.ErrInvalidFormat))
		} else if n, err := strconv.Atoi(port); err != nil {
			errs.Add(validation.NewResult("observe.listen", "port must be a number", validation.ErrInvalidFormat))
		} else {
			errs.Add(validation.Port("observe.listen", n))
		}
	}

	if errs.HasErrors() {
		return apperrors.Join(apperrors.ErrConfiguration, errs)
	}
	return nil
}

// Relay parses the relay entry.
func (rc RelayConfig) Relay() (relay.Relay, error) {
	return relay.Parse(rc.Hostname, rc.Location, rc.Endpoint, rc.PublicKey, rc.Weight)
}

// RelayList parses every configured relay.
func (c *Config) RelayList() ([]relay.Relay, error) {
	relays := make([]relay.Relay, 0, len(c.Relays))
	var errs []error
	for _, rc := range c.Relays {
		r, err := rc.Relay()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		relays = append(relays, r)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return relays, nil
}

// WireGuardConfig builds the userspace adapter configuration.
func (c *Config) WireGuardConfig() (tunnel.WireGuardConfig, error) {
	t := c.Tunnel
	addr, err := netip.ParseAddr(t.Address)
	if err != nil {
		return tunnel.WireGuardConfig{}, fmt.Errorf("%w: tunnel.address: %w", apperrors.ErrConfiguration, err)
	}

	wg := tunnel.WireGuardConfig{
		Address:           addr,
		MTU:               t.MTU,
		Keepalive:         t.Keepalive,
		HandshakePoll:     t.HandshakePoll,
		HandshakeStaleAge: t.HandshakeStaleAge,
	}
	for _, s := range t.DNS {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return tunnel.WireGuardConfig{}, fmt.Errorf("%w: tunnel.dns: %w", apperrors.ErrConfiguration, err)
		}
		wg.DNS = append(wg.DNS, a)
	}
	for _, s := range t.AllowedIPs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return tunnel.WireGuardConfig{}, fmt.Errorf("%w: tunnel.allowed_ips: %w", apperrors.ErrConfiguration, err)
		}
		wg.AllowedIPs = append(wg.AllowedIPs, p)
	}
	return wg, nil
}

// ActorOptions returns the actor settings carried by the configuration.
func (c *Config) ActorOptions() []actor.Option {
	return []actor.Option{
		actor.WithOperationTimeout(c.Tunnel.OperationTimeout),
		actor.WithConnectTimeout(c.Tunnel.ConnectTimeout, c.Tunnel.MaxConnectTimeout),
		actor.WithMaxConnectAttempts(c.Tunnel.MaxConnectAttempts),
	}
}

// DeviceKeyPath returns the device key file location.
func (c *Config) DeviceKeyPath() string {
	if filepath.IsAbs(c.Keys.DeviceKeyFile) {
		return c.Keys.DeviceKeyFile
	}
	return c.DataPath(c.Keys.DeviceKeyFile)
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Tunnel.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Tunnel.DataDir, 0o700)
}
