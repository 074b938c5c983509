package dht

import (
	"context"
	"time"

	"go.uber.org/zap"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/lookup"
	"github.com/shizukutanaka/kadnode/internal/storage"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

// FindNode returns the closest nodes to id the network knows of.
func (n *Node) FindNode(ctx context.Context, id kademlia.KeyID) (lookup.Result, error) {
	if !n.running.Load() {
		return lookup.Result{}, ErrNotRunning
	}
	return n.wait(ctx, n.engine.LookupNode(id.WithNamespace(kademlia.NamespaceNode)))
}

// Get returns the value stored under key, checking the local store first.
func (n *Node) Get(ctx context.Context, key kademlia.KeyID) ([]byte, lookup.Result, error) {
	if value, err := n.store.Get(key); err == nil {
		return value, lookup.Result{Target: key, Value: value, Source: n.LocalContact()}, nil
	} else if !derrors.Is(err, storage.ErrNotFound) {
		return nil, lookup.Result{}, err
	}
	if !n.running.Load() {
		return nil, lookup.Result{}, ErrNotRunning
	}

	res, err := n.wait(ctx, n.engine.LookupValue(key.WithNamespace(kademlia.NamespaceValue)))
	if err != nil {
		return nil, res, err
	}
	return res.Value, res, nil
}

type storeHandler chan bool

func (h storeHandler) OnResponse(resp *wire.Message, _ time.Duration) { h <- resp.Found }
func (h storeHandler) OnTimeout(time.Duration)                        { h <- false }
func (h storeHandler) OnError(error)                                  { h <- false }

// Put stores value on the K nodes closest to key, including this node when
// it is among them, and returns how many accepted it.
func (n *Node) Put(ctx context.Context, key kademlia.KeyID, value []byte) (int, error) {
	if len(value) == 0 || len(value) > wire.MaxValueSize {
		return 0, derrors.New(derrors.KindMalformed, "dht.put", "value size out of range")
	}
	if !n.running.Load() {
		return 0, ErrNotRunning
	}
	key = key.WithNamespace(kademlia.NamespaceValue)

	res, err := n.wait(ctx, n.engine.LookupNode(key))
	if err != nil && !derrors.Is(err, lookup.ErrLookupTimeout) {
		return 0, err
	}

	stored := 0
	acks := make(storeHandler, len(res.Contacts))
	sent := 0
	for _, c := range res.Contacts {
		if n.IsLocalID(c.ID) {
			if err := n.store.Put(key, value); err != nil {
				return 0, err
			}
			stored++
			continue
		}
		req := wire.NewRequest(wire.OpStore, n.id, key)
		req.Value = value
		n.transport.Send(c, req, acks)
		sent++
	}

	for i := 0; i < sent; i++ {
		select {
		case ok := <-acks:
			if ok {
				stored++
			}
		case <-ctx.Done():
			return stored, ctx.Err()
		}
	}

	n.logger.Debug("Value stored",
		zap.Stringer("key", key),
		zap.Int("bytes", len(value)),
		zap.Int("replicas", stored),
		zap.Int("asked", sent))
	if stored == 0 {
		return 0, derrors.New(derrors.KindTransient, "dht.put", "no node accepted the value")
	}
	return stored, nil
}
