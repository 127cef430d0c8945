package core

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/wgtunnel/lib/actor"
	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/validation"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Tunnel.DataDir == "" {
		t.Error("default config should have a data directory")
	}
	if cfg.Tunnel.ConnectTimeout != actor.DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", cfg.Tunnel.ConnectTimeout, actor.DefaultConnectTimeout)
	}
	if cfg.Keys.DeviceKeyFile != keys.DeviceKeyFileName {
		t.Errorf("DeviceKeyFile = %q, want %q", cfg.Keys.DeviceKeyFile, keys.DeviceKeyFileName)
	}
	if !cfg.Observe.Enabled {
		t.Error("observer should be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "empty data dir",
			modify:  func(c *Config) { c.Tunnel.DataDir = "" },
			wantErr: validation.ErrRequired,
		},
		{
			name:    "bad address",
			modify:  func(c *Config) { c.Tunnel.Address = "10.64.0" },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "bad dns",
			modify:  func(c *Config) { c.Tunnel.DNS = []string{"10.64.0.1", "resolver"} },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "bad allowed ips",
			modify:  func(c *Config) { c.Tunnel.AllowedIPs = []string{"10.0.0.0/33"} },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "mtu too small",
			modify:  func(c *Config) { c.Tunnel.MTU = 100 },
			wantErr: validation.ErrOutOfRange,
		},
		{
			name:    "max connect timeout below initial",
			modify:  func(c *Config) { c.Tunnel.MaxConnectTimeout = time.Second },
			wantErr: validation.ErrOutOfRange,
		},
		{
			name:    "zero attempts",
			modify:  func(c *Config) { c.Tunnel.MaxConnectAttempts = 0 },
			wantErr: validation.ErrOutOfRange,
		},
		{
			name:    "bad relay key",
			modify:  func(c *Config) { c.Relays[0].PublicKey = "not-a-key" },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "duplicate relay",
			modify:  func(c *Config) { c.Relays[1].Hostname = c.Relays[0].Hostname },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "bad constraint location",
			modify:  func(c *Config) { c.Constraints.Location = "Sweden" },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "bad observe listen",
			modify:  func(c *Config) { c.Observe.Listen = "localhost" },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "observe listen named port",
			modify:  func(c *Config) { c.Observe.Listen = "127.0.0.1:http" },
			wantErr: validation.ErrInvalidFormat,
		},
		{
			name:    "observe listen port out of range",
			modify:  func(c *Config) { c.Observe.Listen = "127.0.0.1:70000" },
			wantErr: validation.ErrOutOfRange,
		},
		{
			name: "observe listen ignored when disabled",
			modify: func(c *Config) {
				c.Observe.Enabled = false
				c.Observe.Listen = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, 2)
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, apperrors.ErrConfiguration) {
				t.Errorf("Validate() error should wrap ErrConfiguration: %v", err)
			}
		})
	}
}

func TestConfig_ValidateReportsAllErrors(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Tunnel.DataDir = ""
	cfg.Tunnel.MTU = 1

	err := cfg.Validate()
	if !errors.Is(err, validation.ErrRequired) || !errors.Is(err, validation.ErrOutOfRange) {
		t.Errorf("expected both errors, got %v", err)
	}
}

func TestLoadConfig_DefaultsWhenMissing(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent.toml")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig should not error on missing file: %v", err)
	}
	if cfg.Tunnel.Address != DefaultTunnelAddress {
		t.Errorf("Address = %q, want default", cfg.Tunnel.Address)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")

	original := testConfig(t, 3)
	original.Tunnel.DNS = []string{"10.64.0.1"}
	original.Tunnel.ConnectTimeout = 2 * time.Second
	original.Tunnel.AutoStart = true
	original.Relays[2].Weight = 400
	original.Constraints.Location = "se"
	original.Resilience.Timeout = time.Minute

	if err := SaveConfig(original, configPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Tunnel.ConnectTimeout != 2*time.Second {
		t.Errorf("ConnectTimeout = %v, want 2s", loaded.Tunnel.ConnectTimeout)
	}
	if !loaded.Tunnel.AutoStart {
		t.Error("AutoStart lost")
	}
	if len(loaded.Relays) != 3 {
		t.Fatalf("got %d relays, want 3", len(loaded.Relays))
	}
	if loaded.Relays[2] != original.Relays[2] {
		t.Errorf("relay mismatch: got %+v, want %+v", loaded.Relays[2], original.Relays[2])
	}
	if loaded.Constraints != original.Constraints {
		t.Errorf("constraints = %+v, want %+v", loaded.Constraints, original.Constraints)
	}
	if loaded.Resilience.Timeout != time.Minute {
		t.Errorf("resilience timeout = %v, want 1m", loaded.Resilience.Timeout)
	}
}

func TestLoadConfig_HandWritten(t *testing.T) {
	cfg := testConfig(t, 1)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	data := `
[tunnel]
data_dir = "` + cfg.Tunnel.DataDir + `"
address = "10.64.12.7"
dns = ["10.64.0.1"]

[constraints]
location = "se-got"

[[relays]]
hostname = "se-got-wg-001"
location = "se-got"
endpoint = "185.213.154.68:51820"
public_key = "` + cfg.Relays[0].PublicKey + `"
weight = 200

[observe]
enabled = false
`
	if err := os.WriteFile(configPath, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Tunnel.MTU != DefaultConfig().Tunnel.MTU {
		t.Errorf("unset fields should keep defaults, MTU = %d", loaded.Tunnel.MTU)
	}

	relays, err := loaded.RelayList()
	if err != nil {
		t.Fatalf("RelayList failed: %v", err)
	}
	if len(relays) != 1 || relays[0].Weight != 200 || !relays[0].Active {
		t.Errorf("unexpected relays: %+v", relays)
	}

	wg, err := loaded.WireGuardConfig()
	if err != nil {
		t.Fatalf("WireGuardConfig failed: %v", err)
	}
	if wg.Address != netip.MustParseAddr("10.64.12.7") {
		t.Errorf("address = %s", wg.Address)
	}
	if len(wg.DNS) != 1 || wg.DNS[0] != netip.MustParseAddr("10.64.0.1") {
		t.Errorf("dns = %v", wg.DNS)
	}
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.toml")

	if err := os.WriteFile(configPath, []byte("this is not [valid toml"), 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("LoadConfig should error on invalid TOML")
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	cfg := testConfig(t, 0)
	cfg.Tunnel.MaxConnectAttempts = -1
	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(configPath)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("LoadConfig error = %v, want configuration error", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(*testing.T, *Config)
	}{
		{
			name: "tunnel overrides",
			envVars: map[string]string{
				"WGTUNNEL_DATA_DIR":             "/custom/data",
				"WGTUNNEL_ADDRESS":              "10.64.1.1",
				"WGTUNNEL_MTU":                  "1420",
				"WGTUNNEL_MAX_CONNECT_ATTEMPTS": "3",
				"WGTUNNEL_AUTO_START":           "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Tunnel.DataDir != "/custom/data" {
					t.Errorf("DataDir = %q", cfg.Tunnel.DataDir)
				}
				if cfg.Tunnel.Address != "10.64.1.1" {
					t.Errorf("Address = %q", cfg.Tunnel.Address)
				}
				if cfg.Tunnel.MTU != 1420 {
					t.Errorf("MTU = %d", cfg.Tunnel.MTU)
				}
				if cfg.Tunnel.MaxConnectAttempts != 3 {
					t.Errorf("MaxConnectAttempts = %d", cfg.Tunnel.MaxConnectAttempts)
				}
				if !cfg.Tunnel.AutoStart {
					t.Error("AutoStart not set")
				}
			},
		},
		{
			name: "durations as strings or seconds",
			envVars: map[string]string{
				"WGTUNNEL_CONNECT_TIMEOUT":   "1500ms",
				"WGTUNNEL_OPERATION_TIMEOUT": "45",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Tunnel.ConnectTimeout != 1500*time.Millisecond {
					t.Errorf("ConnectTimeout = %v", cfg.Tunnel.ConnectTimeout)
				}
				if cfg.Tunnel.OperationTimeout != 45*time.Second {
					t.Errorf("OperationTimeout = %v", cfg.Tunnel.OperationTimeout)
				}
			},
		},
		{
			name: "constraints and observer",
			envVars: map[string]string{
				"WGTUNNEL_LOCATION":        "de-fra",
				"WGTUNNEL_OBSERVE_ENABLED": "false",
				"WGTUNNEL_OBSERVE_LISTEN":  "0.0.0.0:8888",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Constraints.Location != "de-fra" {
					t.Errorf("Location = %q", cfg.Constraints.Location)
				}
				if cfg.Observe.Enabled {
					t.Error("Observe.Enabled should be false")
				}
				if cfg.Observe.Listen != "0.0.0.0:8888" {
					t.Errorf("Observe.Listen = %q", cfg.Observe.Listen)
				}
			},
		},
		{
			name: "invalid values ignored",
			envVars: map[string]string{
				"WGTUNNEL_MTU":             "large",
				"WGTUNNEL_CONNECT_TIMEOUT": "soon",
				"WGTUNNEL_AUTO_START":      "yes-please",
			},
			validate: func(t *testing.T, cfg *Config) {
				defaults := DefaultConfig()
				if cfg.Tunnel.MTU != defaults.Tunnel.MTU {
					t.Errorf("MTU = %d, want default", cfg.Tunnel.MTU)
				}
				if cfg.Tunnel.ConnectTimeout != defaults.Tunnel.ConnectTimeout {
					t.Errorf("ConnectTimeout = %v, want default", cfg.Tunnel.ConnectTimeout)
				}
				if cfg.Tunnel.AutoStart {
					t.Error("AutoStart should keep its default")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	cfg := testConfig(t, 1)
	cfg.Tunnel.MaxConnectAttempts = 5
	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	t.Setenv("WGTUNNEL_MAX_CONNECT_ATTEMPTS", "9")

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Tunnel.MaxConnectAttempts != 9 {
		t.Errorf("MaxConnectAttempts = %d, want 9 (env override)", loaded.Tunnel.MaxConnectAttempts)
	}
}

func TestConfig_ActorOptions(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Tunnel.OperationTimeout = 7 * time.Second
	cfg.Tunnel.ConnectTimeout = 2 * time.Second
	cfg.Tunnel.MaxConnectTimeout = 8 * time.Second
	cfg.Tunnel.MaxConnectAttempts = 4

	var ac actor.Config
	for _, opt := range cfg.ActorOptions() {
		opt(&ac)
	}
	if ac.OperationTimeout != 7*time.Second || ac.ConnectTimeout != 2*time.Second ||
		ac.MaxConnectTimeout != 8*time.Second || ac.MaxConnectAttempts != 4 {
		t.Errorf("unexpected actor config: %+v", ac)
	}
}

func TestConfig_WireGuardConfigRejectsBadAddress(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Tunnel.Address = "nowhere"

	if _, err := cfg.WireGuardConfig(); !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("WireGuardConfig error = %v, want configuration error", err)
	}
}

func TestConfig_RelayListCollectsErrors(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Relays[0].Endpoint = "nowhere"
	cfg.Relays[1].Hostname = ""

	if _, err := cfg.RelayList(); !errors.Is(err, validation.ErrInvalidFormat) || !errors.Is(err, validation.ErrRequired) {
		t.Errorf("RelayList error = %v", err)
	}
}

func TestConfig_DataPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tunnel.DataDir = "/home/user/.wgtunnel"

	if got := cfg.DataPath("device_key.json"); got != "/home/user/.wgtunnel/device_key.json" {
		t.Errorf("DataPath = %q", got)
	}
	if got := cfg.DeviceKeyPath(); got != "/home/user/.wgtunnel/"+keys.DeviceKeyFileName {
		t.Errorf("DeviceKeyPath = %q", got)
	}

	cfg.Keys.DeviceKeyFile = "/etc/wgtunnel/key.json"
	if got := cfg.DeviceKeyPath(); got != "/etc/wgtunnel/key.json" {
		t.Errorf("absolute DeviceKeyPath = %q", got)
	}
}

func TestConfig_EnsureDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tunnel.DataDir = filepath.Join(t.TempDir(), "new", "data", "dir")

	if err := cfg.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}

	info, err := os.Stat(cfg.Tunnel.DataDir)
	if err != nil {
		t.Fatalf("data dir does not exist: %v", err)
	}
	if !info.IsDir() {
		t.Error("data path is not a directory")
	}
}

func TestSaveConfig_CreatesDirectory(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "new", "nested", "config.toml")

	if err := SaveConfig(DefaultConfig(), configPath); err != nil {
		t.Fatalf("SaveConfig failed to create nested directory: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
}
