// wgtunnel keeps a single WireGuard tunnel to one of a set of relays.
//
// Every control input becomes a command on the tunnel actor: the initial
// start, signals, and shutdown. The observer server publishes the resulting
// state.
//
// Usage:
//
//	wgtunnel [flags]           Run the tunnel daemon
//	wgtunnel init [flags]      Write a default configuration file
//	wgtunnel pubkey [flags]    Print the device public key
//
// Signals:
//
//	SIGUSR1    reconnect to a different relay
//	SIGUSR2    rotate the device key and reconnect
//	SIGHUP     reload relays and constraints from the configuration file
//	SIGINT, SIGTERM    stop the tunnel and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-i2p/wgtunnel/lib/actor"
	"github.com/go-i2p/wgtunnel/lib/core"
	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/metrics"
	"github.com/go-i2p/wgtunnel/lib/observe"
	"github.com/go-i2p/wgtunnel/lib/relay"
	"github.com/go-i2p/wgtunnel/lib/resilience"
	"github.com/go-i2p/wgtunnel/lib/tunnel"
	"github.com/go-i2p/wgtunnel/version"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

type options struct {
	configPath string
	dataDir    string
	location   string
	hostname   string
	listen     string
	noObserve  bool
	start      bool
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".wgtunnel", core.DefaultConfigFile)

	var opts options
	showVersion := false
	flags := pflag.NewFlagSet("wgtunnel", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Data directory (overrides config)")
	flags.StringVarP(&opts.location, "location", "l", "", "Relay location constraint, e.g. se or se-got (overrides config)")
	flags.StringVar(&opts.hostname, "relay", "", "Pin a single relay by hostname (overrides config)")
	flags.StringVar(&opts.listen, "listen", "", "Observer listen address (overrides config)")
	flags.BoolVar(&opts.noObserve, "no-observe", false, "Disable the observer HTTP server")
	flags.BoolVar(&opts.start, "start", false, "Start the tunnel immediately (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.BoolVar(&showVersion, "version", false, "Print version and exit")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "wgtunnel - single WireGuard tunnel daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  wgtunnel [flags]           Run the tunnel daemon\n")
		fmt.Fprintf(os.Stderr, "  wgtunnel init [flags]      Write a default configuration file\n")
		fmt.Fprintf(os.Stderr, "  wgtunnel pubkey [flags]    Print the device public key\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Printf("wgtunnel version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	rest := flags.Args()
	if len(rest) > 0 {
		switch rest[0] {
		case "init":
			return handleInit(logger, opts)
		case "pubkey":
			return handlePubkey(logger, opts)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", rest[0])
			flags.Usage()
			return 2
		}
	}

	return runDaemon(logger, opts)
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(opts options) (*core.Config, error) {
	cfg, err := core.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.dataDir != "" {
		cfg.Tunnel.DataDir = opts.dataDir
	}
	if opts.location != "" {
		cfg.Constraints.Location = opts.location
	}
	if opts.hostname != "" {
		cfg.Constraints.Hostname = opts.hostname
	}
	if opts.listen != "" {
		cfg.Observe.Listen = opts.listen
	}
	if opts.noObserve {
		cfg.Observe.Enabled = false
	}
	if opts.start {
		cfg.Tunnel.AutoStart = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func handleInit(logger *slog.Logger, opts options) int {
	if _, err := os.Stat(opts.configPath); err == nil {
		logger.Error("config file already exists", "path", opts.configPath)
		return 1
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("failed to build config", "error", err)
		return 1
	}
	if err := core.SaveConfig(cfg, opts.configPath); err != nil {
		logger.Error("failed to write config", "error", err)
		return 1
	}
	logger.Info("wrote default config", "path", opts.configPath)
	return 0
}

func handlePubkey(logger *slog.Logger, opts options) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	device, err := loadDeviceKey(cfg)
	if err != nil {
		logger.Error("failed to load device key", "error", err)
		return 1
	}
	fmt.Println(device.PublicKey().String())
	return 0
}

func loadDeviceKey(cfg *core.Config) (*keys.DeviceKey, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return keys.LoadOrCreateDeviceKey(cfg.DeviceKeyPath())
}

func runDaemon(logger *slog.Logger, opts options) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	device, err := loadDeviceKey(cfg)
	if err != nil {
		logger.Error("failed to load device key", "error", err)
		return 1
	}

	relays, err := cfg.RelayList()
	if err != nil {
		logger.Error("invalid relays", "error", err)
		return 1
	}
	if len(relays) == 0 {
		logger.Warn("no relays configured, the tunnel cannot start until relays are added and reloaded")
	}
	selector := relay.NewListSelector(relays)

	wgConfig, err := cfg.WireGuardConfig()
	if err != nil {
		logger.Error("invalid tunnel config", "error", err)
		return 1
	}
	wg, err := tunnel.NewWireGuard(wgConfig)
	if err != nil {
		logger.Error("failed to create tunnel adapter", "error", err)
		return 1
	}
	breaker := resilience.NewMetricsCircuitBreaker("interface-open", cfg.Resilience)

	tun, err := actor.New(actor.Config{
		Adapter:     tunnel.WithCircuitBreaker(wg, breaker),
		Selector:    selector,
		Credentials: device,
	}, cfg.ActorOptions()...)
	if err != nil {
		logger.Error("failed to create tunnel actor", "error", err)
		return 1
	}
	metrics.RecordStartTime()

	var observer *observe.Server
	if cfg.Observe.Enabled {
		observer, err = observe.New(tun, observe.Config{
			ListenAddr: cfg.Observe.Listen,
			Logger:     logger,
			Breaker:    breaker,
		})
		if err == nil {
			err = observer.Start()
		}
		if err != nil {
			logger.Error("failed to start observer", "error", err)
			closeActor(logger, tun)
			return 1
		}
	}

	logStates := tun.Subscribe(0)
	go logTransitions(logger, logStates)

	logger.Info("wgtunnel started",
		"version", version.Full(),
		"public_key", device.PublicKey().String(),
		"relays", len(relays),
		"constraints", cfg.Constraints.String(),
	)

	if cfg.Tunnel.AutoStart {
		tun.Start(actor.StartOptions{Constraints: cfg.Constraints})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			logger.Info("reconnect requested")
			tun.Reconnect(relay.Random(), actor.ReconnectUserInitiated)
		case syscall.SIGUSR2:
			rotateDeviceKey(logger, cfg, device, tun)
		case syscall.SIGHUP:
			reload(logger, opts, selector, breaker, tun)
		default:
			logger.Info("received signal, shutting down", "signal", sig)
			tun.Stop()
			waitDisconnected(tun, shutdownTimeout)

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if observer != nil {
				if err := observer.Stop(ctx); err != nil {
					logger.Error("error stopping observer", "error", err)
				}
			}
			if err := tun.Close(ctx); err != nil {
				logger.Error("error closing tunnel actor", "error", err)
				return 1
			}
			logger.Info("shutdown complete")
			return 0
		}
	}
	return 0
}

// rotateDeviceKey replaces the device key, persists it, records the rotation
// and moves the tunnel onto the new key.
func rotateDeviceKey(logger *slog.Logger, cfg *core.Config, device *keys.DeviceKey, tun *actor.Actor) {
	now := time.Now()
	if err := device.Rotate(now); err != nil {
		logger.Error("failed to rotate device key", "error", err)
		return
	}
	if err := device.Save(cfg.DeviceKeyPath()); err != nil {
		logger.Error("failed to save rotated device key", "error", err)
		tun.SetErrorState(actor.ReasonReadPrivateKey)
		return
	}
	logger.Info("rotated device key", "public_key", device.PublicKey().String())
	tun.NotifyKeyRotation(&now)
	tun.Reconnect(relay.Current(), actor.ReconnectKeyRotation)
}

// reload re-reads relays and constraints. A running tunnel keeps its relay
// until the next reconnect. Failures counted against the old relay set no
// longer apply, so the breaker is reset.
func reload(logger *slog.Logger, opts options, selector *relay.ListSelector, breaker *resilience.CircuitBreaker, tun *actor.Actor) {
	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("reload failed, keeping current relays", "error", err)
		return
	}
	relays, err := cfg.RelayList()
	if err != nil {
		logger.Error("reload failed, keeping current relays", "error", err)
		return
	}
	selector.SetRelays(relays)
	breaker.Reset()
	logger.Info("reloaded relays", "relays", len(relays))

	if tun.Snapshot().State.Phase() == actor.PhaseError {
		tun.Start(actor.StartOptions{Constraints: cfg.Constraints})
	}
}

func logTransitions(logger *slog.Logger, sub *actor.Subscription) {
	var last actor.State
	for snap := range sub.C() {
		if snap.State == last {
			continue
		}
		last = snap.State
		logger.Info("tunnel state", "state", snap.State.String(), "sequence", snap.Sequence)
	}
}

func waitDisconnected(tun *actor.Actor, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		changed := tun.Changed()
		if tun.Snapshot().State.Phase() == actor.PhaseDisconnected {
			return
		}
		select {
		case <-changed:
		case <-deadline:
			return
		}
	}
}

func closeActor(logger *slog.Logger, tun *actor.Actor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tun.Close(ctx); err != nil {
		logger.Error("error closing tunnel actor", "error", err)
	}
}
