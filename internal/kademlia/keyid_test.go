package kademlia

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
)

func idWithFirstByte(b byte) KeyID {
	var raw [IDSize]byte
	raw[0] = b
	return FromArray(raw, NamespaceNode)
}

func TestFromBytes(t *testing.T) {
	t.Run("ValidLength", func(t *testing.T) {
		raw := bytes.Repeat([]byte{0xAB}, IDSize)
		id, err := FromBytes(raw, NamespaceValue)
		require.NoError(t, err)
		assert.Equal(t, raw, id.Bytes())
		assert.Equal(t, NamespaceValue, id.Namespace())
	})

	t.Run("InvalidLength", func(t *testing.T) {
		for _, n := range []int{0, 1, 19, 21, 32} {
			_, err := FromBytes(make([]byte, n), NamespaceNode)
			assert.ErrorIs(t, err, ErrInvalidIdentifier, "length %d", n)
			assert.Equal(t, derrors.KindMalformed, derrors.KindOf(err))
		}
	})

	t.Run("Hex", func(t *testing.T) {
		_, err := FromHex("zz", NamespaceNode)
		assert.Error(t, err)
		id, err := FromHex("00112233445566778899aabbccddeeff00112233", NamespaceNode)
		require.NoError(t, err)
		assert.Equal(t, "00112233445566778899aabbccddeeff00112233", id.String())
		assert.Equal(t, "00112233", id.Short())
	})
}

func TestDistanceSymmetry(t *testing.T) {
	for i := 0; i < 200; i++ {
		a := Random(NamespaceNode)
		b := Random(NamespaceNode)
		assert.True(t, a.Xor(b).Equal(b.Xor(a)))
		assert.True(t, a.Xor(a).IsZero())
		assert.False(t, a.Xor(b).IsZero(), "distinct ids must have non-zero distance")
	}
}

func TestXorNamespace(t *testing.T) {
	a := Random(NamespaceNode)
	b := Random(NamespaceValue)
	assert.Equal(t, NamespaceUnknown, a.Xor(b).Namespace())
	assert.Equal(t, NamespaceNode, a.Xor(Random(NamespaceNode)).Namespace())
}

func TestIsCloserTrichotomy(t *testing.T) {
	for i := 0; i < 500; i++ {
		a := Random(NamespaceNode)
		b := Random(NamespaceNode)
		target := Random(NamespaceNode)
		if i%50 == 0 {
			b = a
		}

		n := 0
		if IsCloser(a, b, target) {
			n++
		}
		if IsCloser(b, a, target) {
			n++
		}
		if a.Equal(b) {
			n++
		}
		assert.Equal(t, 1, n)
	}
}

func TestIsCloserFirstDifferingByte(t *testing.T) {
	target := idWithFirstByte(0x33)
	assert.True(t, IsCloser(idWithFirstByte(0x30), idWithFirstByte(0x20), target))
	assert.True(t, IsCloser(idWithFirstByte(0x00), idWithFirstByte(0x70), target))
	assert.False(t, IsCloser(idWithFirstByte(0x40), idWithFirstByte(0x50), target))
}

func TestBits(t *testing.T) {
	var id KeyID
	assert.False(t, id.Bit(0))

	set := id.WithBitSet(0).WithBitSet(9).WithBitSet(159)
	assert.True(t, set.Bit(0))
	assert.True(t, set.Bit(9))
	assert.True(t, set.Bit(159))
	assert.False(t, set.Bit(1))
	assert.Equal(t, byte(0x80), set.Bytes()[0])
	assert.Equal(t, byte(0x40), set.Bytes()[1])
	assert.Equal(t, byte(0x01), set.Bytes()[19])

	cleared := set.WithBitCleared(9)
	assert.False(t, cleared.Bit(9))
	assert.True(t, id.IsZero(), "receiver must not be mutated")

	assert.False(t, id.Bit(-1))
	assert.False(t, id.Bit(IDBits))
}

func TestInvert(t *testing.T) {
	a := Random(NamespaceNode)
	inv := a.Invert()
	for i := 0; i < 100; i++ {
		other := Random(NamespaceNode)
		if other.Equal(inv) {
			continue
		}
		assert.True(t, IsCloser(inv, other, a.Invert()))
		// Nothing is further from a than its inverse.
		assert.Equal(t, 1, CompareDistance(inv, other, a))
	}
	assert.True(t, inv.Invert().Equal(a))
}

func TestRandomWithPrefix(t *testing.T) {
	prefix := MustHex("f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0", NamespaceNode)
	for _, depth := range []int{0, 1, 5, 8, 13, 64, 159, 160} {
		for i := 0; i < 20; i++ {
			id := RandomWithPrefix(prefix, depth)
			assert.GreaterOrEqual(t, id.CommonPrefixLen(prefix), depth, "depth %d", depth)
		}
	}
	assert.True(t, RandomWithPrefix(prefix, IDBits).Equal(prefix))
}

func TestCommonPrefixLen(t *testing.T) {
	a := idWithFirstByte(0x80)
	b := idWithFirstByte(0x00)
	assert.Equal(t, 0, a.CommonPrefixLen(b))
	assert.Equal(t, 3, idWithFirstByte(0x10).CommonPrefixLen(idWithFirstByte(0x00)))
	assert.Equal(t, IDBits, a.CommonPrefixLen(a))
}

func TestSortByDistance(t *testing.T) {
	var contacts []Contact
	for b := 0; b < 8; b++ {
		contacts = append(contacts, NewContact(idWithFirstByte(byte(b<<4)), "127.0.0.1:1"))
	}
	SortByDistance(contacts, idWithFirstByte(0x33))

	want := []byte{0x30, 0x20, 0x10, 0x00, 0x70, 0x60, 0x50, 0x40}
	for i, c := range contacts {
		assert.Equal(t, want[i], c.ID.Bytes()[0])
	}
}

func TestContactValid(t *testing.T) {
	id := Random(NamespaceNode)
	assert.True(t, NewContact(id, "127.0.0.1:4000").Valid())
	assert.True(t, NewContact(id, "[::1]:4000").Valid())
	assert.False(t, NewContact(id, "").Valid())
	assert.False(t, NewContact(id, "127.0.0.1").Valid())
	assert.False(t, NewContact(id, "127.0.0.1:0").Valid())
	assert.False(t, NewContact(id, ":4000").Valid())
	assert.False(t, NewContact(KeyID{}, "127.0.0.1:4000").Valid(), "zero id")
	assert.False(t, Contact{Address: "127.0.0.1:4000"}.Valid())
	assert.True(t, ValidAddress("127.0.0.1:4000"))
	assert.False(t, ValidAddress("127.0.0.1:70000"))
}

func TestKeyIDJSON(t *testing.T) {
	c := NewContact(MustHex("00112233445566778899aabbccddeeff00112233", NamespaceNode), "10.0.0.1:4000")
	c.State = StateAlive

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"00112233445566778899aabbccddeeff00112233"`)
	assert.Contains(t, string(data), `"state":"alive"`)

	var back struct {
		ID KeyID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.ID.Equal(c.ID))

	assert.Error(t, json.Unmarshal([]byte(`{"id":"abcd"}`), &back))
}
