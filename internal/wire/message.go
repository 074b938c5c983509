// Package wire defines the datagram messages exchanged between nodes and
// their msgpack encoding.
package wire

import (
	"fmt"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

const (
	// MaxMessageSize is the largest datagram accepted or produced.
	MaxMessageSize = 60 * 1024
	// MaxValueSize bounds the value carried by STORE and FIND_VALUE replies.
	MaxValueSize = 32 * 1024
	// MaxContacts bounds the contact list of a single reply.
	MaxContacts = 64
)

// ErrMalformedMessage is returned for datagrams that cannot be decoded or
// violate the message rules.
var ErrMalformedMessage = derrors.New(derrors.KindMalformed, "wire.decode", "malformed message")

// Op identifies the message type.
type Op uint8

const (
	OpPing Op = iota + 1
	OpPong
	OpFindNode
	OpFindNodeResponse
	OpFindValue
	OpFindValueResponse
	OpStore
	OpStoreResponse
)

var opNames = map[Op]string{
	OpPing:              "PING",
	OpPong:              "PONG",
	OpFindNode:          "FIND_NODE",
	OpFindNodeResponse:  "FIND_NODE_RESPONSE",
	OpFindValue:         "FIND_VALUE",
	OpFindValueResponse: "FIND_VALUE_RESPONSE",
	OpStore:             "STORE",
	OpStoreResponse:     "STORE_RESPONSE",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP(%d)", uint8(o))
}

// IsRequest reports whether o expects a reply.
func (o Op) IsRequest() bool {
	switch o {
	case OpPing, OpFindNode, OpFindValue, OpStore:
		return true
	}
	return false
}

// Response returns the reply op for a request op.
func (o Op) Response() Op {
	switch o {
	case OpPing:
		return OpPong
	case OpFindNode:
		return OpFindNodeResponse
	case OpFindValue:
		return OpFindValueResponse
	case OpStore:
		return OpStoreResponse
	}
	return 0
}

// Message is a decoded datagram.
type Message struct {
	Op       Op
	ID       kademlia.KeyID
	Sender   kademlia.KeyID
	Target   kademlia.KeyID
	Value    []byte
	Contacts []kademlia.Contact
	Found    bool
}

// NewRequest builds a request with a fresh message id.
func NewRequest(op Op, sender, target kademlia.KeyID) *Message {
	return &Message{
		Op:     op,
		ID:     kademlia.Random(kademlia.NamespaceMessage),
		Sender: sender,
		Target: target,
	}
}

// Reply builds the response to m, correlated by message id.
func (m *Message) Reply(sender kademlia.KeyID) *Message {
	return &Message{
		Op:     m.Op.Response(),
		ID:     m.ID,
		Sender: sender,
		Target: m.Target,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%s] from %s", m.Op, m.ID.Short(), m.Sender.Short())
}

// Validate checks the per-op field rules.
func (m *Message) Validate() error {
	if _, ok := opNames[m.Op]; !ok {
		return fmt.Errorf("%w: unknown op %d", ErrMalformedMessage, m.Op)
	}
	if m.ID.IsZero() {
		return fmt.Errorf("%w: missing message id", ErrMalformedMessage)
	}
	switch m.Op {
	case OpFindNode, OpFindValue, OpStore:
		if m.Target.IsZero() {
			return fmt.Errorf("%w: %s without target", ErrMalformedMessage, m.Op)
		}
	}
	if m.Op == OpStore && len(m.Value) == 0 {
		return fmt.Errorf("%w: empty STORE", ErrMalformedMessage)
	}
	if len(m.Value) > MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes", ErrMalformedMessage, len(m.Value))
	}
	if len(m.Contacts) > MaxContacts {
		return fmt.Errorf("%w: %d contacts", ErrMalformedMessage, len(m.Contacts))
	}
	return nil
}
