package kademlia

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

// State is the liveness state of a contact.
type State uint8

const (
	StateUnknown State = iota
	StateAlive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "alive":
		*s = StateAlive
	case "dead":
		*s = StateDead
	default:
		*s = StateUnknown
	}
	return nil
}

// Contact is a snapshot of a known peer. The routing table owns the live
// copy; everything handed out is a value.
type Contact struct {
	ID       KeyID     `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
	Failures int       `json:"failures"`
	State    State     `json:"state"`
}

// NewContact builds a contact in the unknown state.
func NewContact(id KeyID, address string) Contact {
	return Contact{ID: id.WithNamespace(NamespaceNode), Address: address}
}

// Valid reports whether the contact carries a node id and a usable host:port
// address.
func (c Contact) Valid() bool {
	return !c.ID.IsZero() && ValidAddress(c.Address)
}

// ValidAddress reports whether address is a host:port pair with a non-zero
// port.
func ValidAddress(address string) bool {
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p < 65536
}

func (c Contact) IsAlive() bool { return c.State == StateAlive }

func (c Contact) IsDead() bool { return c.State == StateDead }

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s (%s)", c.ID.Short(), c.Address, c.State)
}

// SortByDistance orders contacts by XOR distance to target, closest first.
// Equal distances keep their relative order.
func SortByDistance(contacts []Contact, target KeyID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return IsCloser(contacts[i].ID, contacts[j].ID, target)
	})
}
