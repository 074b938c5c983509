package dht

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/lookup"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

var (
	// ErrNoBootstrapNodes is returned when Bootstrap has nobody to contact.
	ErrNoBootstrapNodes = derrors.New(derrors.KindMalformed, "dht.bootstrap", "no bootstrap nodes")
	// ErrBootstrapUnreachable is returned when no bootstrap node answered.
	ErrBootstrapUnreachable = derrors.New(derrors.KindTransient, "dht.bootstrap", "no bootstrap node answered")
	// ErrNoAnswer is returned by PingAddress on timeout.
	ErrNoAnswer = derrors.New(derrors.KindTransient, "dht.ping", "no answer")
)

type pingResult struct {
	resp *wire.Message
	err  error
}

type waitHandler chan pingResult

func (h waitHandler) OnResponse(resp *wire.Message, _ time.Duration) { h <- pingResult{resp: resp} }
func (h waitHandler) OnTimeout(time.Duration)                        { h <- pingResult{err: ErrNoAnswer} }
func (h waitHandler) OnError(err error)                              { h <- pingResult{err: err} }

// PingAddress pings whoever listens at address and returns its contact. The
// answer is added to the routing table.
func (n *Node) PingAddress(ctx context.Context, address string) (kademlia.Contact, error) {
	if !n.running.Load() {
		return kademlia.Contact{}, ErrNotRunning
	}
	if !kademlia.ValidAddress(address) {
		return kademlia.Contact{}, derrors.New(derrors.KindMalformed, "dht.ping", "invalid address "+address)
	}

	h := make(waitHandler, 1)
	n.transport.SendToAddress(address, wire.NewRequest(wire.OpPing, n.id, kademlia.KeyID{}), h)

	select {
	case r := <-h:
		if r.err != nil {
			return kademlia.Contact{}, r.err
		}
		c := kademlia.NewContact(r.resp.Sender, address)
		switch {
		case c.ID.IsZero():
			return kademlia.Contact{}, derrors.New(derrors.KindMalformed, "dht.ping", address+" answered without an id")
		case n.IsLocalID(c.ID):
			return kademlia.Contact{}, derrors.New(derrors.KindIdentityConflict, "dht.ping", address+" answered with our own id")
		}
		n.table.Add(c, true)
		return c, nil
	case <-ctx.Done():
		return kademlia.Contact{}, ctx.Err()
	}
}

func (n *Node) pingWithRetry(ctx context.Context, address string) (kademlia.Contact, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = n.config.BootstrapMaxElapsed

	var c kademlia.Contact
	operation := func() error {
		var err error
		c, err = n.PingAddress(ctx, address)
		if err != nil && !derrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Debug("Bootstrap ping failed, retrying",
			zap.String("address", address),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, n.config.BootstrapRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return kademlia.Contact{}, err
	}
	return c, nil
}

// Bootstrap joins the network through the given addresses, or the configured
// bootstrap nodes when none are given. It pings each address, looks up the
// local id through the ones that answered and then refreshes every bucket.
func (n *Node) Bootstrap(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		addrs = n.config.BootstrapNodes
	}
	if len(addrs) == 0 {
		return ErrNoBootstrapNodes
	}

	err := n.bootstrap(ctx, addrs)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if n.metrics != nil {
		n.metrics.RecordBootstrap(outcome)
	}
	return err
}

func (n *Node) bootstrap(ctx context.Context, addrs []string) error {
	start := time.Now()
	var seeds []kademlia.Contact
	for _, addr := range addrs {
		c, err := n.pingWithRetry(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Warn("Bootstrap node unreachable", zap.String("address", addr), zap.Error(err))
			continue
		}
		seeds = append(seeds, c)
	}
	if len(seeds) == 0 {
		return ErrBootstrapUnreachable
	}

	if _, err := n.wait(ctx, n.engine.LookupNode(n.id, seeds...)); err != nil && !derrors.Is(err, lookup.ErrLookupTimeout) {
		return err
	}

	ids := n.table.RefreshIDs(true)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.config.Lookup.Alpha)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := n.wait(gctx, n.engine.LookupNode(id))
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err != nil {
				n.logger.Debug("Bootstrap refresh lookup failed", zap.Stringer("target", id), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	n.bootstrapped.Store(true)
	n.logger.Info("Bootstrap complete",
		zap.Int("seeds", len(seeds)),
		zap.Int("refreshed", len(ids)),
		zap.Int("contacts", n.table.Size()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// wait blocks on h and cancels the lookup if ctx ends first.
func (n *Node) wait(ctx context.Context, h *lookup.Handle) (lookup.Result, error) {
	res, err := h.Wait(ctx)
	if ctx.Err() != nil {
		h.Cancel()
	}
	return res, err
}
