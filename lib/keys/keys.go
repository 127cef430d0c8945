// Package keys manages the WireGuard credentials used by the tunnel.
//
// A device has one long-term private key, persisted to disk and loaded on
// startup. Post-quantum or multihop negotiation may additionally hand the
// tunnel a preshared key together with an ephemeral private key; those
// replace the device key for the next handshake only.
package keys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DeviceKeyFileName is the default filename for the persisted device key.
const DeviceKeyFileName = "device_key.json"

// Credentials are the keys presented during one handshake.
// The zero PreSharedKey means no preshared key is configured.
type Credentials struct {
	PrivateKey   wgtypes.Key
	PreSharedKey *wgtypes.Key
}

// PublicKey returns the public half of the private key.
func (c Credentials) PublicKey() wgtypes.Key {
	return c.PrivateKey.PublicKey()
}

// HasPreSharedKey reports whether a preshared key is set.
func (c Credentials) HasPreSharedKey() bool {
	return c.PreSharedKey != nil
}

// String returns a redacted description safe for logs.
func (c Credentials) String() string {
	return fmt.Sprintf("public_key=%s psk=%t", shortKey(c.PublicKey()), c.HasPreSharedKey())
}

// Ephemeral builds the credentials for a negotiated ephemeral peer.
func Ephemeral(preSharedKey, ephemeralKey wgtypes.Key) Credentials {
	psk := preSharedKey
	return Credentials{
		PrivateKey:   ephemeralKey,
		PreSharedKey: &psk,
	}
}

// DeviceKey is the long-term device private key with rotation bookkeeping.
type DeviceKey struct {
	mu sync.RWMutex

	privateKey wgtypes.Key
	createdAt  time.Time
	rotatedAt  time.Time
}

// persistedDeviceKey is the JSON-serializable form of DeviceKey.
type persistedDeviceKey struct {
	PrivateKey string    `json:"private_key"`
	PublicKey  string    `json:"public_key"`
	CreatedAt  time.Time `json:"created_at"`
	RotatedAt  time.Time `json:"rotated_at,omitempty"`
}

// NewDeviceKey generates a fresh random device key.
func NewDeviceKey() (*DeviceKey, error) {
	privateKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating WireGuard private key: %w", err)
	}
	return &DeviceKey{
		privateKey: privateKey,
		createdAt:  time.Now(),
	}, nil
}

// ParseDeviceKey builds a device key from a base64 private key.
func ParseDeviceKey(s string) (*DeviceKey, error) {
	privateKey, err := wgtypes.ParseKey(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, err)
	}
	return &DeviceKey{
		privateKey: privateKey,
		createdAt:  time.Now(),
	}, nil
}

// LoadDeviceKey loads a device key from a JSON file.
// Returns nil, nil if the file doesn't exist (caller should create a new key).
func LoadDeviceKey(path string) (*DeviceKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading device key file: %w", err)
	}

	var p persistedDeviceKey
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing device key file: %w", err)
	}

	privateKey, err := wgtypes.ParseKey(p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", apperrors.ErrInvalidKey, err)
	}
	if p.PublicKey != privateKey.PublicKey().String() {
		return nil, apperrors.ErrKeyMismatch
	}

	return &DeviceKey{
		privateKey: privateKey,
		createdAt:  p.CreatedAt,
		rotatedAt:  p.RotatedAt,
	}, nil
}

// LoadOrCreateDeviceKey loads the key at path, generating and saving a new
// one when none exists yet.
func LoadOrCreateDeviceKey(path string) (*DeviceKey, error) {
	key, err := LoadDeviceKey(path)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	key, err = NewDeviceKey()
	if err != nil {
		return nil, err
	}
	if err := key.Save(path); err != nil {
		return nil, err
	}
	log.WithField("public_key", shortKey(key.PublicKey())).Info("generated new device key")
	return key, nil
}

// Save persists the device key to a JSON file.
// Creates the parent directory if it doesn't exist.
func (k *DeviceKey) Save(path string) error {
	k.mu.RLock()
	p := persistedDeviceKey{
		PrivateKey: k.privateKey.String(),
		PublicKey:  k.privateKey.PublicKey().String(),
		CreatedAt:  k.createdAt,
		RotatedAt:  k.rotatedAt,
	}
	k.mu.RUnlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling device key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing device key file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming device key file: %w", err)
	}

	return nil
}

// Credentials returns handshake credentials using the device key and no preshared key.
func (k *DeviceKey) Credentials() Credentials {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return Credentials{PrivateKey: k.privateKey}
}

// PublicKey returns the WireGuard public key.
func (k *DeviceKey) PublicKey() wgtypes.Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.privateKey.PublicKey()
}

// CreatedAt returns when the key was generated.
func (k *DeviceKey) CreatedAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.createdAt
}

// RotatedAt returns when the key was last rotated, or the zero time.
func (k *DeviceKey) RotatedAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.rotatedAt
}

// Rotate replaces the private key with a freshly generated one and records the time.
func (k *DeviceKey) Rotate(at time.Time) error {
	privateKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating WireGuard private key: %w", err)
	}

	k.mu.Lock()
	k.privateKey = privateKey
	k.rotatedAt = at
	k.mu.Unlock()

	log.WithField("public_key", shortKey(privateKey.PublicKey())).Info("rotated device key")
	return nil
}

// shortKey abbreviates a key for log output.
func shortKey(key wgtypes.Key) string {
	return key.String()[:8] + "..."
}
