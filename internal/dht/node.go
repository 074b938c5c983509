// Package dht assembles the routing table, lookup engine, transport and value
// store into a running Kademlia node.
package dht

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/lookup"
	"github.com/shizukutanaka/kadnode/internal/monitoring"
	"github.com/shizukutanaka/kadnode/internal/routing"
	"github.com/shizukutanaka/kadnode/internal/scheduler"
	"github.com/shizukutanaka/kadnode/internal/storage"
	"github.com/shizukutanaka/kadnode/internal/transport"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

// ErrNotRunning is returned by operations that need a started node.
var ErrNotRunning = derrors.New(derrors.KindFatal, "dht", "node not running")

// Status is a point-in-time summary of a node.
type Status struct {
	ID           string          `json:"id"`
	Address      string          `json:"address"`
	Running      bool            `json:"running"`
	Bootstrapped bool            `json:"bootstrapped"`
	Uptime       time.Duration   `json:"uptime"`
	Contacts     int             `json:"contacts"`
	Cached       int             `json:"cached"`
	Buckets      int             `json:"buckets"`
	Routing      routing.Stats   `json:"routing"`
	Transport    transport.Stats `json:"transport"`
	Lookups      lookup.Stats    `json:"lookups"`
	Storage      storage.Stats   `json:"storage"`
}

// Node is a Kademlia DHT node.
type Node struct {
	logger    *zap.Logger
	config    Config
	id        kademlia.KeyID
	table     *routing.Table
	engine    *lookup.Engine
	transport *transport.UDP
	store     *storage.Store
	scheduler *scheduler.Scheduler
	metrics   *monitoring.MetricsExporter

	mu        sync.RWMutex
	advertise string
	startedAt time.Time

	running      atomic.Bool
	bootstrapped atomic.Bool
	stopOnce     sync.Once
}

// New creates a node. metrics may be nil.
func New(logger *zap.Logger, config Config, metrics *monitoring.MetricsExporter) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}
	id, err := config.resolveID()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve node id: %w", err)
	}

	n := &Node{
		logger:    logger.With(zap.String("node", id.Short())),
		config:    config,
		id:        id,
		metrics:   metrics,
		advertise: config.AdvertiseAddr,
	}

	n.table = routing.New(n.logger.Named("routing"), config.Routing, n, n)
	n.transport = transport.NewUDP(n.logger.Named("transport"), config.Transport, n)
	n.engine = lookup.New(n.logger.Named("lookup"), config.Lookup, n, n.table, n.transport)
	n.scheduler = scheduler.New(n.logger.Named("scheduler"))

	n.store, err = storage.New(n.logger.Named("storage"), config.Storage)
	if err != nil {
		return nil, err
	}

	if metrics != nil {
		n.engine.SetObserver(metrics)
		if err := metrics.BindNode(n); err != nil {
			_ = n.store.Close()
			return nil, err
		}
	}
	return n, nil
}

// Start binds the transport and schedules table maintenance.
func (n *Node) Start() error {
	if n.running.Load() {
		return nil
	}
	if err := n.transport.Listen(); err != nil {
		return err
	}

	n.mu.Lock()
	if n.advertise == "" {
		n.advertise = n.transport.LocalAddr()
	}
	n.startedAt = time.Now()
	n.mu.Unlock()
	n.running.Store(true)

	refresh := n.config.Routing.RefreshInterval / 4
	if refresh < time.Second {
		refresh = time.Second
	}
	n.scheduler.Every("refresh", refresh, n.refresh)
	if n.config.StatsInterval > 0 {
		n.scheduler.Every("stats", n.config.StatsInterval, n.logStats)
	}

	n.logger.Info("Node started",
		zap.Stringer("id", n.id),
		zap.String("address", n.Address()))
	return nil
}

// Stop cancels lookups, stops maintenance and releases the socket and store.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.running.Store(false)
		n.scheduler.Stop()
		n.engine.CancelAll()
		if cerr := n.transport.Close(); cerr != nil {
			err = cerr
		}
		if cerr := n.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		n.logger.Info("Node stopped")
	})
	return err
}

// ID returns the node id.
func (n *Node) ID() kademlia.KeyID { return n.id }

// Address returns the advertised address.
func (n *Node) Address() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.advertise
}

// Table returns the routing table.
func (n *Node) Table() *routing.Table { return n.table }

// Engine returns the lookup engine.
func (n *Node) Engine() *lookup.Engine { return n.engine }

// Store returns the local value store.
func (n *Node) Store() *storage.Store { return n.store }

// Running reports whether the node is started.
func (n *Node) Running() bool { return n.running.Load() }

// LocalID implements routing.Callback.
func (n *Node) LocalID() kademlia.KeyID { return n.id }

// IsLocalID implements routing.Callback and lookup.Local.
func (n *Node) IsLocalID(id kademlia.KeyID) bool { return n.id.Equal(id) }

// LocalContact implements lookup.Local.
func (n *Node) LocalContact() kademlia.Contact {
	c := kademlia.NewContact(n.id, n.Address())
	c.State = kademlia.StateAlive
	c.LastSeen = time.Now()
	return c
}

// Ping implements routing.Pinger. A timeout or a network error counts as
// dead; a closed transport or a request that could not be built gives no
// verdict.
func (n *Node) Ping(c kademlia.Contact, done func(routing.PingResult)) {
	n.transport.Send(c, wire.NewRequest(wire.OpPing, n.id, kademlia.KeyID{}), pingHandler(done))
}

type pingHandler func(routing.PingResult)

func (h pingHandler) OnResponse(*wire.Message, time.Duration) { h(routing.PingAlive) }
func (h pingHandler) OnTimeout(time.Duration)                 { h(routing.PingDead) }

func (h pingHandler) OnError(err error) {
	switch derrors.KindOf(err) {
	case derrors.KindFatal, derrors.KindMalformed:
		h(routing.PingAborted)
	default:
		h(routing.PingDead)
	}
}

// refresh looks up a random id in every stale bucket.
func (n *Node) refresh() {
	ids := n.table.RefreshIDs(false)
	if len(ids) == 0 {
		return
	}
	n.logger.Debug("Refreshing buckets", zap.Int("buckets", len(ids)))
	for _, id := range ids {
		n.engine.LookupNode(id)
	}
}

func (n *Node) logStats() {
	st := n.Status()
	n.logger.Info("Node stats",
		zap.Int("contacts", st.Contacts),
		zap.Int("cached", st.Cached),
		zap.Int("buckets", st.Buckets),
		zap.Int("values", st.Storage.Entries),
		zap.Int("active_lookups", st.Lookups.Active),
		zap.Uint64("sent", st.Transport.Sent),
		zap.Uint64("received", st.Transport.Received),
		zap.Uint64("timeouts", st.Transport.Timeouts))
}

// Status returns a snapshot of the node.
func (n *Node) Status() Status {
	n.mu.RLock()
	startedAt := n.startedAt
	n.mu.RUnlock()

	var uptime time.Duration
	if n.running.Load() {
		uptime = time.Since(startedAt)
	}
	return Status{
		ID:           n.id.String(),
		Address:      n.Address(),
		Running:      n.running.Load(),
		Bootstrapped: n.bootstrapped.Load(),
		Uptime:       uptime,
		Contacts:     n.table.Size(),
		Cached:       n.CachedSize(),
		Buckets:      len(n.table.Buckets()),
		Routing:      n.table.Stats(),
		Transport:    n.transport.Stats(),
		Lookups:      n.engine.Stats(),
		Storage:      n.store.Stats(),
	}
}

// RoutingStats implements monitoring.NodeSource.
func (n *Node) RoutingStats() routing.Stats { return n.table.Stats() }

// RoutingSize implements monitoring.NodeSource.
func (n *Node) RoutingSize() int { return n.table.Size() }

// CachedSize implements monitoring.NodeSource.
func (n *Node) CachedSize() int { return len(n.table.CachedContacts()) }

// TransportStats implements monitoring.NodeSource.
func (n *Node) TransportStats() transport.Stats { return n.transport.Stats() }

// LookupStats implements monitoring.NodeSource.
func (n *Node) LookupStats() lookup.Stats { return n.engine.Stats() }

// StoreStats implements monitoring.NodeSource.
func (n *Node) StoreStats() storage.Stats { return n.store.Stats() }

// Buckets describes the routing table's buckets.
func (n *Node) Buckets() []routing.BucketInfo { return n.table.Buckets() }

// Contacts returns the live routing table contacts.
func (n *Node) Contacts() []kademlia.Contact { return n.table.Contacts() }
