package core

import (
	"fmt"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// testConfig returns a valid configuration rooted in a temporary directory
// with n relays. Relay i is "se-got-wg-00<i+1>" at 10.64.0.<i+1>:51820.
func testConfig(t *testing.T, n int) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Tunnel.DataDir = t.TempDir()
	// Keep the observer off the default port.
	cfg.Observe.Listen = "127.0.0.1:0"

	for i := 0; i < n; i++ {
		priv, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		cfg.Relays = append(cfg.Relays, RelayConfig{
			Hostname:  fmt.Sprintf("se-got-wg-%03d", i+1),
			Location:  "se-got",
			Endpoint:  fmt.Sprintf("10.64.0.%d:51820", i+1),
			PublicKey: priv.PublicKey().String(),
		})
	}
	return cfg
}
