package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/keys"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrHandshakeStale is reported in EventDown when a session that had
// completed a handshake stops renewing it.
var ErrHandshakeStale = errors.New("tunnel: handshake stale")

// Defaults for WireGuardConfig.
const (
	DefaultMTU               = 1280
	DefaultKeepalive         = 25
	DefaultHandshakePoll     = 250 * time.Millisecond
	DefaultHandshakeStaleAge = 3 * time.Minute
)

// WireGuardConfig configures the userspace WireGuard adapter.
type WireGuardConfig struct {
	// Address is the tunnel address assigned to this device by the relay operator.
	Address netip.Addr
	// DNS servers reachable through the tunnel.
	DNS []netip.Addr
	// MTU is the tunnel MTU.
	MTU int
	// AllowedIPs routed through the relay. Defaults to everything.
	AllowedIPs []netip.Prefix
	// Keepalive is the persistent keepalive interval in seconds.
	Keepalive int
	// HandshakePoll is how often the device is polled for handshake progress.
	HandshakePoll time.Duration
	// HandshakeStaleAge is how old the last handshake may get before the
	// session is reported down. WireGuard renews handshakes every two minutes
	// while traffic or keepalives flow.
	HandshakeStaleAge time.Duration
	// Bind is the WireGuard network binding. Defaults to conn.NewDefaultBind().
	Bind func() conn.Bind
}

func (c *WireGuardConfig) normalize() {
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if len(c.AllowedIPs) == 0 {
		c.AllowedIPs = []netip.Prefix{
			netip.MustParsePrefix("0.0.0.0/0"),
			netip.MustParsePrefix("::/0"),
		}
	}
	if c.Keepalive <= 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.HandshakePoll <= 0 {
		c.HandshakePoll = DefaultHandshakePoll
	}
	if c.HandshakeStaleAge <= 0 {
		c.HandshakeStaleAge = DefaultHandshakeStaleAge
	}
	if c.Bind == nil {
		c.Bind = conn.NewDefaultBind
	}
}

// Validate checks that the configuration is usable.
func (c WireGuardConfig) Validate() error {
	if !c.Address.IsValid() {
		return fmt.Errorf("%w: invalid tunnel address", apperrors.ErrConfiguration)
	}
	return nil
}

// WireGuard is an Adapter backed by a wireguard-go device on a netstack TUN.
type WireGuard struct {
	mu  sync.Mutex
	cfg WireGuardConfig

	dev *device.Device
	tun tun.Device
	net *netstack.Net

	session Session
	open    bool

	events    chan Event
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// NewWireGuard creates a closed WireGuard adapter.
func NewWireGuard(cfg WireGuardConfig) (*WireGuard, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WireGuard{
		cfg:    cfg,
		events: make(chan Event, eventBufferSize),
	}, nil
}

// Events implements Adapter.
func (w *WireGuard) Events() <-chan Event {
	return w.events
}

// Open implements Adapter.
func (w *WireGuard) Open(ctx context.Context, s Session) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.open {
		return apperrors.ErrInterfaceAlreadyOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tunDev, tnet, err := netstack.CreateNetTUN([]netip.Addr{w.cfg.Address}, w.cfg.DNS, w.cfg.MTU)
	if err != nil {
		return fmt.Errorf("creating netstack TUN: %w", err)
	}

	dev := device.NewDevice(tunDev, w.cfg.Bind(), device.NewLogger(device.LogLevelSilent, ""))
	if err := dev.IpcSet(w.deviceConfig(s)); err != nil {
		dev.Close()
		return fmt.Errorf("configuring device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("bringing up device: %w", err)
	}

	w.dev = dev
	w.tun = tunDev
	w.net = tnet
	w.session = s
	w.open = true

	watchCtx, cancel := context.WithCancel(context.Background())
	w.stopWatch = cancel
	w.watchDone = make(chan struct{})
	go w.watchHandshake(watchCtx, dev, s.ID, w.watchDone)

	InterfaceOpens.Inc()
	log.WithField("session", s.ID).
		WithField("relay", s.Relay.Hostname).
		WithField("endpoint", s.Relay.Endpoint.String()).
		WithField("credentials", s.Credentials.String()).
		Info("opened WireGuard interface")
	return nil
}

// deviceConfig renders the UAPI configuration for a session.
func (w *WireGuard) deviceConfig(s Session) string {
	var ipc strings.Builder
	fmt.Fprintf(&ipc, "private_key=%s\n", hexKey(s.Credentials.PrivateKey))
	ipc.WriteString("replace_peers=true\n")
	ipc.WriteString(peerConfig(s.Relay.PublicKey, s.Credentials))
	fmt.Fprintf(&ipc, "endpoint=%s\n", s.Relay.Endpoint)
	ipc.WriteString("replace_allowed_ips=true\n")
	for _, p := range w.cfg.AllowedIPs {
		fmt.Fprintf(&ipc, "allowed_ip=%s\n", p)
	}
	fmt.Fprintf(&ipc, "persistent_keepalive_interval=%d\n", w.cfg.Keepalive)
	return ipc.String()
}

// peerConfig selects the relay peer and sets its preshared key.
func peerConfig(relayKey wgtypes.Key, creds keys.Credentials) string {
	var ipc strings.Builder
	fmt.Fprintf(&ipc, "public_key=%s\n", hexKey(relayKey))
	if creds.PreSharedKey != nil {
		fmt.Fprintf(&ipc, "preshared_key=%s\n", hexKey(*creds.PreSharedKey))
	} else {
		fmt.Fprintf(&ipc, "preshared_key=%s\n", hexKey(wgtypes.Key{}))
	}
	return ipc.String()
}

// Close implements Adapter.
func (w *WireGuard) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.open {
		w.mu.Unlock()
		return apperrors.ErrInterfaceNotOpen
	}
	w.open = false
	dev, stop, done, s := w.dev, w.stopWatch, w.watchDone, w.session
	w.dev, w.tun, w.net = nil, nil, nil
	w.mu.Unlock()

	stop()
	select {
	case <-done:
	case <-ctx.Done():
		log.WithField("session", s.ID).Warn("handshake watcher did not stop before deadline")
	}
	dev.Close()

	InterfaceCloses.Inc()
	log.WithField("session", s.ID).Info("closed WireGuard interface")
	return nil
}

// Rotate implements Adapter. The relay peer stays configured; only the
// local private key and the preshared key change.
func (w *WireGuard) Rotate(ctx context.Context, creds keys.Credentials) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return apperrors.ErrInterfaceNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ipc := fmt.Sprintf("private_key=%s\n", hexKey(creds.PrivateKey)) +
		peerConfig(w.session.Relay.PublicKey, creds)
	if err := w.dev.IpcSet(ipc); err != nil {
		return fmt.Errorf("rotating credentials: %w", err)
	}
	w.session.Credentials = creds

	log.WithField("session", w.session.ID).
		WithField("credentials", creds.String()).
		Info("rotated credentials on open interface")
	return nil
}

// Net returns the netstack network for dialing through the tunnel, or nil
// when no interface is open.
func (w *WireGuard) Net() *netstack.Net {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.net
}

// ListenPort returns the local UDP port of the open interface.
func (w *WireGuard) ListenPort() (uint16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return 0, apperrors.ErrInterfaceNotOpen
	}
	st, err := readDeviceStatus(w.dev)
	if err != nil {
		return 0, err
	}
	return st.listenPort, nil
}

// watchHandshake polls the device until the first handshake completes, then
// keeps watching for the handshake going stale.
func (w *WireGuard) watchHandshake(ctx context.Context, dev *device.Device, session uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.HandshakePoll)
	defer ticker.Stop()

	established := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := readDeviceStatus(dev)
		if err != nil {
			log.WithError(err).WithField("session", session).Debug("reading device status")
			continue
		}
		if st.lastHandshake.IsZero() {
			continue
		}

		if !established {
			established = true
			log.WithField("session", session).Info("WireGuard handshake completed")
			emit(w.events, Event{Session: session, Kind: EventHandshakeCompleted})
			continue
		}

		if time.Since(st.lastHandshake) > w.cfg.HandshakeStaleAge {
			emit(w.events, Event{Session: session, Kind: EventDown, Err: ErrHandshakeStale})
			return
		}
	}
}

// deviceStatus is the subset of the UAPI get output the adapter uses.
type deviceStatus struct {
	listenPort    uint16
	lastHandshake time.Time
}

func readDeviceStatus(dev *device.Device) (deviceStatus, error) {
	out, err := dev.IpcGet()
	if err != nil {
		return deviceStatus{}, fmt.Errorf("reading device config: %w", err)
	}
	return parseDeviceStatus(out), nil
}

// parseDeviceStatus extracts the listen port and latest peer handshake from
// UAPI key=value output.
func parseDeviceStatus(out string) deviceStatus {
	var st deviceStatus
	var sec, nsec int64
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "listen_port":
			if p, err := strconv.ParseUint(value, 10, 16); err == nil {
				st.listenPort = uint16(p)
			}
		case "last_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, _ = strconv.ParseInt(value, 10, 64)
			if sec != 0 || nsec != 0 {
				t := time.Unix(sec, nsec)
				if t.After(st.lastHandshake) {
					st.lastHandshake = t
				}
			}
		}
	}
	return st
}

// hexKey converts a WireGuard key to hex format for IPC.
func hexKey(key wgtypes.Key) string {
	return fmt.Sprintf("%x", key[:])
}
