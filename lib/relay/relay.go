// Package relay describes the WireGuard relays a tunnel can connect to and
// how the next one is chosen.
package relay

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-i2p/wgtunnel/lib/validation"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultWeight is used for relays configured without a weight.
const DefaultWeight = 100

// Relay is a WireGuard server the tunnel can connect to.
type Relay struct {
	Hostname  string         `json:"hostname"`
	Location  string         `json:"location"`
	Endpoint  netip.AddrPort `json:"endpoint"`
	PublicKey wgtypes.Key    `json:"-"`
	Weight    int            `json:"weight"`
	Active    bool           `json:"active"`
}

// Parse builds a relay from its textual configuration, validating every field.
func Parse(hostname, location, endpoint, publicKey string, weight int) (Relay, error) {
	var errs validation.Errors
	errs.Add(validation.Hostname("hostname", hostname))
	errs.Add(validation.Location("location", location))
	ep, err := validation.Endpoint("endpoint", endpoint)
	errs.Add(err)
	key, err := validation.PublicKey("public_key", publicKey)
	errs.Add(err)
	if weight == 0 {
		weight = DefaultWeight
	}
	errs.Add(validation.IntRange("weight", weight, 1, validation.MaxRelayWeight))

	if errs.HasErrors() {
		return Relay{}, fmt.Errorf("relay %q: %w", hostname, errs)
	}
	return Relay{
		Hostname:  hostname,
		Location:  location,
		Endpoint:  ep,
		PublicKey: key,
		Weight:    weight,
		Active:    true,
	}, nil
}

// String returns the hostname and endpoint.
func (r Relay) String() string {
	return fmt.Sprintf("%s (%s)", r.Hostname, r.Endpoint)
}

// Equal reports whether two relays identify the same server.
func (r Relay) Equal(other Relay) bool {
	return r.Hostname == other.Hostname && r.PublicKey == other.PublicKey
}

// Constraints narrow the set of relays the selector may pick from.
// Zero values mean "no constraint".
type Constraints struct {
	// Location is a country code ("se") or country-city code ("se-got").
	Location string `toml:"location" json:"location,omitempty"`
	// Hostname pins a single relay.
	Hostname string `toml:"hostname" json:"hostname,omitempty"`
	// Port restricts the endpoint port.
	Port uint16 `toml:"port" json:"port,omitempty"`
}

// Matches reports whether the relay satisfies the constraints.
func (c Constraints) Matches(r Relay) bool {
	if !r.Active {
		return false
	}
	if c.Hostname != "" && !strings.EqualFold(c.Hostname, r.Hostname) {
		return false
	}
	if c.Location != "" && r.Location != c.Location && !strings.HasPrefix(r.Location, c.Location+"-") {
		return false
	}
	if c.Port != 0 && r.Endpoint.Port() != c.Port {
		return false
	}
	return true
}

// Validate checks the constraint values.
func (c Constraints) Validate() error {
	var errs validation.Errors
	errs.Add(validation.Location("constraints.location", c.Location))
	if c.Hostname != "" {
		errs.Add(validation.Hostname("constraints.hostname", c.Hostname))
	}
	return errs.Err()
}

// String returns a compact description for logs.
func (c Constraints) String() string {
	var parts []string
	if c.Location != "" {
		parts = append(parts, "location="+c.Location)
	}
	if c.Hostname != "" {
		parts = append(parts, "hostname="+c.Hostname)
	}
	if c.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", c.Port))
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, ",")
}
