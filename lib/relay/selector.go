package relay

import (
	"fmt"
	"math/rand/v2"
	"sync"

	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
)

// NextKind says how the relay for a reconnect is chosen.
type NextKind int

const (
	// NextCurrent keeps the relay in use, or selects one if there is none.
	NextCurrent NextKind = iota
	// NextRandom selects a new relay, preferring one other than the current.
	NextRandom
	// NextPreSelected uses the relay carried by the request.
	NextPreSelected
)

func (k NextKind) String() string {
	switch k {
	case NextCurrent:
		return "current"
	case NextRandom:
		return "random"
	case NextPreSelected:
		return "preselected"
	default:
		return "unknown"
	}
}

// NextRelay is the relay choice attached to a reconnect request.
type NextRelay struct {
	Kind  NextKind
	Relay *Relay
}

// Current keeps the relay in use.
func Current() NextRelay { return NextRelay{Kind: NextCurrent} }

// Random asks the selector for a fresh relay.
func Random() NextRelay { return NextRelay{Kind: NextRandom} }

// PreSelected uses the given relay.
func PreSelected(r Relay) NextRelay { return NextRelay{Kind: NextPreSelected, Relay: &r} }

func (n NextRelay) String() string {
	if n.Kind == NextPreSelected && n.Relay != nil {
		return "preselected:" + n.Relay.Hostname
	}
	return n.Kind.String()
}

// Selector picks relays satisfying constraints.
type Selector interface {
	// Select returns a relay matching the constraints. When avoid is non-nil
	// the selector prefers any other matching relay, falling back to avoid
	// itself if it is the only match.
	Select(c Constraints, avoid *Relay) (Relay, error)
}

// Resolve turns a NextRelay into a concrete relay.
func Resolve(s Selector, next NextRelay, c Constraints, current *Relay) (Relay, error) {
	switch next.Kind {
	case NextPreSelected:
		if next.Relay == nil {
			return Relay{}, fmt.Errorf("%w: preselected relay missing", apperrors.ErrInvalidRelay)
		}
		return *next.Relay, nil
	case NextCurrent:
		if current != nil {
			return *current, nil
		}
		return s.Select(c, nil)
	default:
		return s.Select(c, current)
	}
}

// ListSelector does weighted random selection over a fixed relay list.
type ListSelector struct {
	mu     sync.RWMutex
	relays []Relay
	intn   func(n int) int
}

// NewListSelector creates a selector over the given relays.
func NewListSelector(relays []Relay) *ListSelector {
	return &ListSelector{
		relays: append([]Relay(nil), relays...),
		intn:   rand.IntN,
	}
}

// SetRelays replaces the relay list.
func (s *ListSelector) SetRelays(relays []Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays = append([]Relay(nil), relays...)
}

// Relays returns a copy of the relay list.
func (s *ListSelector) Relays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Relay(nil), s.relays...)
}

// Select implements Selector.
func (s *ListSelector) Select(c Constraints, avoid *Relay) (Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []Relay
	for _, r := range s.relays {
		if c.Matches(r) {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		log.WithField("constraints", c.String()).Warn("no relays satisfy constraints")
		return Relay{}, fmt.Errorf("%w (%s)", apperrors.ErrNoRelays, c)
	}

	if avoid != nil && len(matching) > 1 {
		filtered := matching[:0:0]
		for _, r := range matching {
			if !r.Equal(*avoid) {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) > 0 {
			matching = filtered
		}
	}

	return s.pickWeighted(matching), nil
}

// pickWeighted chooses a relay with probability proportional to its weight.
func (s *ListSelector) pickWeighted(relays []Relay) Relay {
	total := 0
	for _, r := range relays {
		total += weightOf(r)
	}
	n := s.intn(total)
	for _, r := range relays {
		n -= weightOf(r)
		if n < 0 {
			return r
		}
	}
	return relays[len(relays)-1]
}

func weightOf(r Relay) int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}
