package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

type peerFrame struct {
	ID      []byte `msgpack:"i"`
	Address string `msgpack:"a"`
}

type frame struct {
	Op     Op          `msgpack:"o"`
	ID     []byte      `msgpack:"m"`
	Sender []byte      `msgpack:"s"`
	Target []byte      `msgpack:"t,omitempty"`
	Value  []byte      `msgpack:"v,omitempty"`
	Peers  []peerFrame `msgpack:"p,omitempty"`
	Found  bool        `msgpack:"f,omitempty"`
}

// Encode serializes m after validating it.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	f := frame{
		Op:     m.Op,
		ID:     m.ID.Bytes(),
		Sender: m.Sender.Bytes(),
		Value:  m.Value,
		Found:  m.Found,
	}
	if !m.Target.IsZero() {
		f.Target = m.Target.Bytes()
	}
	if len(m.Contacts) > 0 {
		f.Peers = make([]peerFrame, len(m.Contacts))
		for i, c := range m.Contacts {
			f.Peers[i] = peerFrame{ID: c.ID.Bytes(), Address: c.Address}
		}
	}

	data, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Op, err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds datagram limit", ErrMalformedMessage, len(data))
	}
	return data, nil
}

// Decode parses a datagram. Any malformed input yields an error wrapping
// ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 || len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: datagram of %d bytes", ErrMalformedMessage, len(data))
	}
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	m := &Message{Op: f.Op, Value: f.Value, Found: f.Found}
	var err error
	if m.ID, err = kademlia.FromBytes(f.ID, kademlia.NamespaceMessage); err != nil {
		return nil, fmt.Errorf("%w: message id: %v", ErrMalformedMessage, err)
	}
	if m.Sender, err = kademlia.FromBytes(f.Sender, kademlia.NamespaceNode); err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrMalformedMessage, err)
	}
	if f.Target != nil {
		if m.Target, err = kademlia.FromBytes(f.Target, kademlia.NamespaceUnknown); err != nil {
			return nil, fmt.Errorf("%w: target: %v", ErrMalformedMessage, err)
		}
	}
	if len(f.Peers) > MaxContacts {
		return nil, fmt.Errorf("%w: %d contacts", ErrMalformedMessage, len(f.Peers))
	}
	for _, p := range f.Peers {
		id, err := kademlia.FromBytes(p.ID, kademlia.NamespaceNode)
		if err != nil {
			return nil, fmt.Errorf("%w: contact id: %v", ErrMalformedMessage, err)
		}
		m.Contacts = append(m.Contacts, kademlia.NewContact(id, p.Address))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
