package dht

import (
	"net"

	"go.uber.org/zap"

	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

// HandleRequest implements transport.RequestHandler. Every requester is
// offered to the routing table at the address it was observed on.
func (n *Node) HandleRequest(req *wire.Message, from *net.UDPAddr) *wire.Message {
	if n.IsLocalID(req.Sender) {
		n.logger.Debug("Ignoring request carrying our own id", zap.Stringer("from", from))
		return nil
	}
	if n.metrics != nil {
		n.metrics.RecordIncoming(req.Op.String())
	}
	n.table.Add(kademlia.NewContact(req.Sender, from.String()), true)

	reply := req.Reply(n.id)
	switch req.Op {
	case wire.OpPing:
	case wire.OpFindNode:
		reply.Contacts = n.closestFor(req.Target, req.Sender)
	case wire.OpFindValue:
		if value, err := n.store.Get(req.Target); err == nil {
			reply.Value = value
			reply.Found = true
		} else {
			reply.Contacts = n.closestFor(req.Target, req.Sender)
		}
	case wire.OpStore:
		if err := n.store.Put(req.Target, req.Value); err != nil {
			n.logger.Warn("Rejected STORE",
				zap.Stringer("key", req.Target),
				zap.Stringer("from", from),
				zap.Error(err))
			break
		}
		reply.Found = true
	default:
		return nil
	}
	return reply
}

// closestFor returns the contacts to hand a requester: the closest known to
// target, never the requester itself.
func (n *Node) closestFor(target, requester kademlia.KeyID) []kademlia.Contact {
	limit := n.config.Routing.K
	if limit > wire.MaxContacts {
		limit = wire.MaxContacts
	}
	closest := n.table.SelectClosest(target, limit+1, false)
	out := make([]kademlia.Contact, 0, limit)
	for _, c := range closest {
		if c.ID.Equal(requester) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}
