package relay

import (
	"errors"
	"net/netip"
	"testing"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/validation"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func testRelay(t *testing.T, hostname, location, endpoint string, weight int) Relay {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	r, err := Parse(hostname, location, endpoint, priv.PublicKey().String(), weight)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", hostname, err)
	}
	return r
}

func TestParse(t *testing.T) {
	r := testRelay(t, "se-got-wg-001", "se-got", "185.213.154.68:51820", 0)

	if r.Weight != DefaultWeight {
		t.Errorf("weight = %d, want default %d", r.Weight, DefaultWeight)
	}
	if !r.Active {
		t.Error("parsed relays should be active")
	}
	if r.Endpoint != netip.MustParseAddrPort("185.213.154.68:51820") {
		t.Errorf("endpoint = %s", r.Endpoint)
	}
	if r.String() != "se-got-wg-001 (185.213.154.68:51820)" {
		t.Errorf("String() = %q", r.String())
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse("", "Sweden", "nowhere", "bogus", -3)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []error{validation.ErrRequired, validation.ErrInvalidFormat, validation.ErrOutOfRange} {
		if !errors.Is(err, want) {
			t.Errorf("expected %v in %v", want, err)
		}
	}
}

func TestConstraintsMatches(t *testing.T) {
	got := testRelay(t, "se-got-wg-001", "se-got", "185.213.154.68:51820", 0)
	sto := testRelay(t, "se-sto-wg-002", "se-sto", "185.213.154.69:443", 0)
	inactive := testRelay(t, "de-fra-wg-001", "de-fra", "185.213.155.1:51820", 0)
	inactive.Active = false

	tests := []struct {
		name string
		c    Constraints
		r    Relay
		want bool
	}{
		{"no constraints", Constraints{}, got, true},
		{"country matches city", Constraints{Location: "se"}, got, true},
		{"exact city", Constraints{Location: "se-got"}, got, true},
		{"other city", Constraints{Location: "se-sto"}, got, false},
		{"country prefix is not a substring match", Constraints{Location: "s"}, got, false},
		{"hostname case-insensitive", Constraints{Hostname: "SE-GOT-WG-001"}, got, true},
		{"hostname mismatch", Constraints{Hostname: "se-got-wg-001"}, sto, false},
		{"port", Constraints{Port: 443}, sto, true},
		{"port mismatch", Constraints{Port: 443}, got, false},
		{"inactive never matches", Constraints{}, inactive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Matches(tt.r); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstraintsValidate(t *testing.T) {
	if err := (Constraints{Location: "se-got", Hostname: "se-got-wg-001"}).Validate(); err != nil {
		t.Errorf("valid constraints rejected: %v", err)
	}
	if err := (Constraints{Location: "Sweden"}).Validate(); !errors.Is(err, validation.ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestConstraintsString(t *testing.T) {
	if s := (Constraints{}).String(); s != "any" {
		t.Errorf("String() = %q, want any", s)
	}
	if s := (Constraints{Location: "se", Port: 53}).String(); s != "location=se,port=53" {
		t.Errorf("String() = %q", s)
	}
}

func TestListSelector_NoMatch(t *testing.T) {
	s := NewListSelector([]Relay{testRelay(t, "se-got-wg-001", "se-got", "185.213.154.68:51820", 0)})

	_, err := s.Select(Constraints{Location: "de"}, nil)
	if !errors.Is(err, apperrors.ErrNoRelays) {
		t.Errorf("expected ErrNoRelays, got %v", err)
	}
	if !apperrors.IsNotFound(err) {
		t.Error("ErrNoRelays should classify as not found")
	}
}

func TestListSelector_Avoid(t *testing.T) {
	a := testRelay(t, "se-got-wg-001", "se-got", "185.213.154.68:51820", 0)
	b := testRelay(t, "se-got-wg-002", "se-got", "185.213.154.70:51820", 0)
	s := NewListSelector([]Relay{a, b})

	for i := 0; i < 20; i++ {
		r, err := s.Select(Constraints{}, &a)
		if err != nil {
			t.Fatal(err)
		}
		if r.Equal(a) {
			t.Fatal("selector returned the avoided relay while another matched")
		}
	}

	single := NewListSelector([]Relay{a})
	r, err := single.Select(Constraints{}, &a)
	if err != nil || !r.Equal(a) {
		t.Errorf("sole match should be returned even when avoided, got %v, %v", r, err)
	}
}

func TestListSelector_Weighted(t *testing.T) {
	light := testRelay(t, "se-got-wg-001", "se-got", "185.213.154.68:51820", 1)
	heavy := testRelay(t, "se-got-wg-002", "se-got", "185.213.154.70:51820", 3)
	s := NewListSelector([]Relay{light, heavy})

	for n, want := range map[int]Relay{0: light, 1: heavy, 3: heavy} {
		s.intn = func(int) int { return n }
		r, err := s.Select(Constraints{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !r.Equal(want) {
			t.Errorf("roll %d selected %s, want %s", n, r.Hostname, want.Hostname)
		}
	}
}

func TestResolve(t *testing.T) {
	a := testRelay(t, "se-got-wg-001", "se-got", "185.213.154.68:51820", 0)
	b := testRelay(t, "se-got-wg-002", "se-got", "185.213.154.70:51820", 0)
	s := NewListSelector([]Relay{a, b})

	r, err := Resolve(s, Current(), Constraints{}, &a)
	if err != nil || !r.Equal(a) {
		t.Errorf("Current with a relay in use should keep it, got %v, %v", r, err)
	}

	r, err = Resolve(s, Random(), Constraints{}, &a)
	if err != nil || !r.Equal(b) {
		t.Errorf("Random should move away from the current relay, got %v, %v", r, err)
	}

	r, err = Resolve(s, PreSelected(b), Constraints{Location: "de"}, &a)
	if err != nil || !r.Equal(b) {
		t.Errorf("PreSelected ignores constraints, got %v, %v", r, err)
	}

	if _, err := Resolve(s, NextRelay{Kind: NextPreSelected}, Constraints{}, nil); !errors.Is(err, apperrors.ErrInvalidRelay) {
		t.Errorf("expected ErrInvalidRelay, got %v", err)
	}

	if _, err := Resolve(s, Current(), Constraints{Location: "de"}, nil); !errors.Is(err, apperrors.ErrNoRelays) {
		t.Errorf("Current without a relay should select, got %v", err)
	}
}

func TestNextRelayString(t *testing.T) {
	a := testRelay(t, "se-got-wg-001", "se-got", "185.213.154.68:51820", 0)
	tests := map[string]NextRelay{
		"current":                   Current(),
		"random":                    Random(),
		"preselected:se-got-wg-001": PreSelected(a),
		"unknown":                   {Kind: NextKind(9)},
	}
	for want, n := range tests {
		if n.String() != want {
			t.Errorf("String() = %q, want %q", n.String(), want)
		}
	}
}
