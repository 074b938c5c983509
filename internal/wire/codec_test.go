package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

func TestEncodeDecode(t *testing.T) {
	sender := kademlia.Random(kademlia.NamespaceNode)
	target := kademlia.Hash(kademlia.NamespaceValue, []byte("key"))

	req := NewRequest(OpFindValue, sender, target)
	resp := req.Reply(kademlia.Random(kademlia.NamespaceNode))
	resp.Contacts = []kademlia.Contact{
		kademlia.NewContact(kademlia.Random(kademlia.NamespaceNode), "127.0.0.1:4001"),
		kademlia.NewContact(kademlia.Random(kademlia.NamespaceNode), "127.0.0.1:4002"),
	}

	data, err := Encode(resp)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, OpFindValueResponse, got.Op)
	assert.True(t, got.ID.Equal(req.ID))
	assert.Equal(t, kademlia.NamespaceMessage, got.ID.Namespace())
	assert.True(t, got.Target.Equal(target))
	require.Len(t, got.Contacts, 2)
	assert.True(t, got.Contacts[1].ID.Equal(resp.Contacts[1].ID))
	assert.Equal(t, "127.0.0.1:4002", got.Contacts[1].Address)
	assert.False(t, got.Found)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good := frame{
		Op:     OpPing,
		ID:     kademlia.Random(kademlia.NamespaceMessage).Bytes(),
		Sender: kademlia.Random(kademlia.NamespaceNode).Bytes(),
	}

	tests := []struct {
		name   string
		mutate func(f *frame)
	}{
		{"ShortMessageID", func(f *frame) { f.ID = f.ID[:10] }},
		{"LongSender", func(f *frame) { f.Sender = append(f.Sender, 1) }},
		{"UnknownOp", func(f *frame) { f.Op = 42 }},
		{"FindNodeWithoutTarget", func(f *frame) { f.Op = OpFindNode }},
		{"BadContactID", func(f *frame) {
			f.Op = OpFindNodeResponse
			f.Peers = []peerFrame{{ID: []byte{1, 2, 3}, Address: "127.0.0.1:1"}}
		}},
		{"EmptyStore", func(f *frame) {
			f.Op = OpStore
			f.Target = kademlia.Random(kademlia.NamespaceValue).Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := good
			tt.mutate(&f)
			data, err := msgpack.Marshal(&f)
			require.NoError(t, err)

			_, err = Decode(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.Equal(t, derrors.KindMalformed, derrors.KindOf(err))
		})
	}

	t.Run("Garbage", func(t *testing.T) {
		_, err := Decode([]byte{0xc1, 0x00, 0xff})
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := Decode(nil)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
}

func TestEncodeLimits(t *testing.T) {
	sender := kademlia.Random(kademlia.NamespaceNode)
	m := NewRequest(OpStore, sender, kademlia.Random(kademlia.NamespaceValue))
	m.Value = make([]byte, MaxValueSize+1)

	_, err := Encode(m)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	m.Value = make([]byte, MaxValueSize)
	_, err = Encode(m)
	assert.NoError(t, err)
}

func TestOp(t *testing.T) {
	assert.True(t, OpPing.IsRequest())
	assert.False(t, OpPong.IsRequest())
	assert.Equal(t, OpStoreResponse, OpStore.Response())
	assert.Equal(t, "FIND_NODE", OpFindNode.String())
	assert.Equal(t, "OP(99)", Op(99).String())
}
