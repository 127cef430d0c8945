package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/keys"
	"github.com/go-i2p/wgtunnel/lib/relay"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func testSession(t *testing.T, id uint64, endpoint string, relayKey wgtypes.Key) Session {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return Session{
		ID: id,
		Relay: relay.Relay{
			Hostname:  "se-got-wg-001",
			Location:  "se-got",
			Endpoint:  netip.MustParseAddrPort(endpoint),
			PublicKey: relayKey,
			Weight:    relay.DefaultWeight,
			Active:    true,
		},
		Credentials: keys.Credentials{PrivateKey: priv},
	}
}

func testWireGuard(t *testing.T) *WireGuard {
	t.Helper()
	w, err := NewWireGuard(WireGuardConfig{
		Address:       netip.MustParseAddr("10.64.0.2"),
		HandshakePoll: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWireGuard() error = %v", err)
	}
	return w
}

func TestNewWireGuard_Validate(t *testing.T) {
	_, err := NewWireGuard(WireGuardConfig{})
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for missing address, got %v", err)
	}
}

func TestWireGuard_OpenCloseRotate(t *testing.T) {
	w := testWireGuard(t)
	ctx := context.Background()
	relayKey, _ := wgtypes.GeneratePrivateKey()
	s := testSession(t, 1, "127.0.0.1:51820", relayKey.PublicKey())

	if err := w.Close(ctx); !errors.Is(err, apperrors.ErrInterfaceNotOpen) {
		t.Errorf("Close() on closed adapter = %v, want ErrInterfaceNotOpen", err)
	}
	if err := w.Rotate(ctx, s.Credentials); !errors.Is(err, apperrors.ErrInterfaceNotOpen) {
		t.Errorf("Rotate() on closed adapter = %v, want ErrInterfaceNotOpen", err)
	}

	if err := w.Open(ctx, s); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if w.Net() == nil {
		t.Error("Net() should be available while open")
	}
	if port, err := w.ListenPort(); err != nil || port == 0 {
		t.Errorf("ListenPort() = %d, %v", port, err)
	}
	if err := w.Open(ctx, s); !errors.Is(err, apperrors.ErrInterfaceAlreadyOpen) {
		t.Errorf("second Open() = %v, want ErrInterfaceAlreadyOpen", err)
	}

	psk, _ := wgtypes.GenerateKey()
	eph, _ := wgtypes.GeneratePrivateKey()
	if err := w.Rotate(ctx, keys.Ephemeral(psk, eph)); err != nil {
		t.Errorf("Rotate() error = %v", err)
	}

	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.Net() != nil {
		t.Error("Net() should be nil after close")
	}
}

func TestWireGuard_OpenCancelled(t *testing.T) {
	w := testWireGuard(t)
	relayKey, _ := wgtypes.GeneratePrivateKey()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Open(ctx, testSession(t, 1, "127.0.0.1:51820", relayKey.PublicKey()))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Open() = %v, want context.Canceled", err)
	}
}

// startRelay runs a wireguard-go peer on loopback that accepts the client key.
func startRelay(t *testing.T, clientKey wgtypes.Key) (wgtypes.Key, uint16) {
	t.Helper()

	relayKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	tunDev, _, err := netstack.CreateNetTUN([]netip.Addr{netip.MustParseAddr("10.64.0.1")}, nil, DefaultMTU)
	if err != nil {
		t.Fatalf("creating relay TUN: %v", err)
	}
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), device.NewLogger(device.LogLevelSilent, ""))
	t.Cleanup(dev.Close)

	ipc := fmt.Sprintf("private_key=%s\npublic_key=%s\nallowed_ip=10.64.0.2/32\n",
		hexKey(relayKey), hexKey(clientKey.PublicKey()))
	if err := dev.IpcSet(ipc); err != nil {
		t.Fatalf("configuring relay: %v", err)
	}
	if err := dev.Up(); err != nil {
		t.Fatalf("bringing up relay: %v", err)
	}

	st, err := readDeviceStatus(dev)
	if err != nil || st.listenPort == 0 {
		t.Fatalf("relay listen port = %d, %v", st.listenPort, err)
	}
	return relayKey.PublicKey(), st.listenPort
}

func TestWireGuard_HandshakeWithLocalRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback handshake in short mode")
	}

	w := testWireGuard(t)
	clientKey, _ := wgtypes.GeneratePrivateKey()
	relayKey, port := startRelay(t, clientKey)

	s := testSession(t, 7, fmt.Sprintf("127.0.0.1:%d", port), relayKey)
	s.Credentials = keys.Credentials{PrivateKey: clientKey}

	ctx := context.Background()
	if err := w.Open(ctx, s); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer w.Close(ctx)

	select {
	case ev := <-w.Events():
		if ev.Kind != EventHandshakeCompleted || ev.Session != 7 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestParseDeviceStatus(t *testing.T) {
	out := "private_key=abcd\nlisten_port=51820\n" +
		"public_key=ef01\nlast_handshake_time_sec=0\nlast_handshake_time_nsec=0\n" +
		"public_key=ef02\nlast_handshake_time_sec=1700000000\nlast_handshake_time_nsec=500\n" +
		"errno=0\n"

	st := parseDeviceStatus(out)
	if st.listenPort != 51820 {
		t.Errorf("listenPort = %d, want 51820", st.listenPort)
	}
	if want := time.Unix(1700000000, 500); !st.lastHandshake.Equal(want) {
		t.Errorf("lastHandshake = %v, want %v", st.lastHandshake, want)
	}

	if st := parseDeviceStatus("listen_port=1\nlast_handshake_time_sec=0\nlast_handshake_time_nsec=0\n"); !st.lastHandshake.IsZero() {
		t.Errorf("no handshake should parse as zero time, got %v", st.lastHandshake)
	}
}

func TestPeerConfig(t *testing.T) {
	relayKey, _ := wgtypes.GeneratePrivateKey()
	priv, _ := wgtypes.GeneratePrivateKey()
	psk, _ := wgtypes.GenerateKey()

	plain := peerConfig(relayKey.PublicKey(), keys.Credentials{PrivateKey: priv})
	want := fmt.Sprintf("public_key=%s\npreshared_key=%s\n", hexKey(relayKey.PublicKey()), hexKey(wgtypes.Key{}))
	if plain != want {
		t.Errorf("peerConfig() without psk = %q, want %q", plain, want)
	}

	withPSK := peerConfig(relayKey.PublicKey(), keys.Ephemeral(psk, priv))
	want = fmt.Sprintf("public_key=%s\npreshared_key=%s\n", hexKey(relayKey.PublicKey()), hexKey(psk))
	if withPSK != want {
		t.Errorf("peerConfig() with psk = %q, want %q", withPSK, want)
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	before := EventsDropped.Value()

	if !emit(ch, Event{Session: 1}) {
		t.Fatal("first emit should succeed")
	}
	if emit(ch, Event{Session: 2}) {
		t.Fatal("second emit should be dropped")
	}
	if EventsDropped.Value() != before+1 {
		t.Error("dropped event should be counted")
	}
}
