// Package kademlia holds the value types shared by the routing table and the
// lookup engine: the 160-bit KeyID with its XOR metric, and Contact snapshots.
package kademlia

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"math/bits"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
)

const (
	// IDSize is the length of a KeyID in bytes.
	IDSize = 20
	// IDBits is the length of a KeyID in bits.
	IDBits = IDSize * 8
)

// ErrInvalidIdentifier is returned when an id is built from anything other
// than exactly IDSize bytes.
var ErrInvalidIdentifier = derrors.New(derrors.KindMalformed, "kademlia.id", "invalid identifier length")

// Namespace tags what a KeyID identifies. It is advisory: arithmetic ignores
// it except that XOR of two different namespaces yields NamespaceUnknown.
type Namespace uint8

const (
	NamespaceUnknown Namespace = iota
	NamespaceNode
	NamespaceValue
	NamespaceMessage
)

func (ns Namespace) String() string {
	switch ns {
	case NamespaceNode:
		return "node"
	case NamespaceValue:
		return "value"
	case NamespaceMessage:
		return "message"
	}
	return "unknown"
}

// KeyID is an immutable 160-bit identifier.
type KeyID struct {
	b  [IDSize]byte
	ns Namespace
}

// FromBytes copies b into a new KeyID.
func FromBytes(b []byte, ns Namespace) (KeyID, error) {
	if len(b) != IDSize {
		return KeyID{}, ErrInvalidIdentifier
	}
	var id KeyID
	copy(id.b[:], b)
	id.ns = ns
	return id, nil
}

// FromArray wraps a fixed-size array; it cannot fail.
func FromArray(b [IDSize]byte, ns Namespace) KeyID {
	return KeyID{b: b, ns: ns}
}

// FromHex parses a 40 character hex string.
func FromHex(s string, ns Namespace) (KeyID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return KeyID{}, derrors.Wrap(derrors.KindMalformed, "kademlia.id", err)
	}
	return FromBytes(raw, ns)
}

// MustHex is FromHex for constants and tests.
func MustHex(s string, ns Namespace) KeyID {
	id, err := FromHex(s, ns)
	if err != nil {
		panic(err)
	}
	return id
}

// Random returns a uniformly random id.
func Random(ns Namespace) KeyID {
	var id KeyID
	if _, err := rand.Read(id.b[:]); err != nil {
		panic("kademlia: crypto/rand failed: " + err.Error())
	}
	id.ns = ns
	return id
}

// Hash derives an id from arbitrary data with SHA-1.
func Hash(ns Namespace, data []byte) KeyID {
	return KeyID{b: sha1.Sum(data), ns: ns}
}

// RandomWithPrefix returns a random id whose first depth bits equal prefix's.
// Lookups for such an id are routed into the bucket covering that prefix.
func RandomWithPrefix(prefix KeyID, depth int) KeyID {
	if depth < 0 {
		depth = 0
	}
	if depth > IDBits {
		depth = IDBits
	}
	id := Random(prefix.ns)
	full := depth / 8
	copy(id.b[:full], prefix.b[:full])
	if rem := depth % 8; rem != 0 {
		mask := byte(0xFF << (8 - rem))
		id.b[full] = prefix.b[full]&mask | id.b[full]&^mask
	}
	return id
}

// Bytes returns a copy of the raw id.
func (id KeyID) Bytes() []byte {
	out := make([]byte, IDSize)
	copy(out, id.b[:])
	return out
}

// Key returns the raw array, suitable as a map key.
func (id KeyID) Key() [IDSize]byte {
	return id.b
}

func (id KeyID) Namespace() Namespace {
	return id.ns
}

// WithNamespace returns the same bits under another namespace.
func (id KeyID) WithNamespace(ns Namespace) KeyID {
	id.ns = ns
	return id
}

// Equal compares the bits only.
func (id KeyID) Equal(other KeyID) bool {
	return id.b == other.b
}

func (id KeyID) IsZero() bool {
	return id.b == [IDSize]byte{}
}

// Xor returns the distance between id and other.
func (id KeyID) Xor(other KeyID) KeyID {
	var out KeyID
	for i := range out.b {
		out.b[i] = id.b[i] ^ other.b[i]
	}
	if id.ns == other.ns {
		out.ns = id.ns
	}
	return out
}

// Invert flips every bit, giving the id furthest from id.
func (id KeyID) Invert() KeyID {
	for i := range id.b {
		id.b[i] = ^id.b[i]
	}
	return id
}

// Bit reports bit i, counting from the most significant bit.
func (id KeyID) Bit(i int) bool {
	if i < 0 || i >= IDBits {
		return false
	}
	return id.b[i/8]&(0x80>>(i%8)) != 0
}

func (id KeyID) WithBitSet(i int) KeyID {
	if i >= 0 && i < IDBits {
		id.b[i/8] |= 0x80 >> (i % 8)
	}
	return id
}

func (id KeyID) WithBitCleared(i int) KeyID {
	if i >= 0 && i < IDBits {
		id.b[i/8] &^= 0x80 >> (i % 8)
	}
	return id
}

// CommonPrefixLen returns the number of leading bits id and other share.
func (id KeyID) CommonPrefixLen(other KeyID) int {
	for i := range id.b {
		if x := id.b[i] ^ other.b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

// String returns the full hex form.
func (id KeyID) String() string {
	return hex.EncodeToString(id.b[:])
}

// MarshalText encodes the id as hex.
func (id KeyID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex id. The namespace is left unknown.
func (id *KeyID) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text), NamespaceUnknown)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Short returns the first four bytes in hex, for logs.
func (id KeyID) Short() string {
	return hex.EncodeToString(id.b[:4])
}

// CompareDistance returns -1 if a is closer to target than b, +1 if b is
// closer and 0 if the two are equidistant (which means a equals b).
func CompareDistance(a, b, target KeyID) int {
	for i := 0; i < IDSize; i++ {
		da := a.b[i] ^ target.b[i]
		db := b.b[i] ^ target.b[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// IsCloser reports whether candidate is strictly closer to target than
// reference. The first differing byte of the two distances decides.
func IsCloser(candidate, reference, target KeyID) bool {
	return CompareDistance(candidate, reference, target) < 0
}

// Less orders ids numerically; used for stable tie-breaking only.
func Less(a, b KeyID) bool {
	return bytes.Compare(a.b[:], b.b[:]) < 0
}
