// Package lookup implements iterative Kademlia node and value lookups. Each
// lookup is a small state machine driven by transport callbacks; nothing in
// it blocks on the network.
package lookup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/transport"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

var (
	// ErrValueNotFound completes a value lookup that exhausted its candidates.
	ErrValueNotFound = derrors.New(derrors.KindNotFound, "lookup.value", "value not found")
	// ErrLookupTimeout completes a lookup whose deadline elapsed. The result
	// still carries the closest contacts seen so far.
	ErrLookupTimeout = derrors.New(derrors.KindTransient, "lookup", "lookup deadline exceeded")
	// ErrLookupCanceled completes a canceled lookup.
	ErrLookupCanceled = derrors.New(derrors.KindCanceled, "lookup", "lookup canceled")
	// ErrInProgress is returned by Handle.Result before the lookup finishes.
	ErrInProgress = derrors.New(derrors.KindTransient, "lookup", "lookup in progress")
)

// Table is the routing table as seen by lookups.
type Table interface {
	SelectClosest(id kademlia.KeyID, count int, liveOnly bool) []kademlia.Contact
	Add(c kademlia.Contact, knownAlive bool) bool
	HandleFailure(id kademlia.KeyID)
}

// Transport sends requests without blocking.
type Transport interface {
	Send(to kademlia.Contact, req *wire.Message, h transport.ResponseHandler)
}

// Local describes the node running the lookups.
type Local interface {
	LocalContact() kademlia.Contact
	IsLocalID(id kademlia.KeyID) bool
}

// Observer receives lookup and request outcomes, typically for metrics.
type Observer interface {
	ObserveLookup(kind, outcome string, result Result)
	ObserveRequest(kind, outcome string, elapsed time.Duration)
}

// Config holds the lookup tunables.
type Config struct {
	// K is the size of the result set.
	K int `yaml:"k"`
	// Alpha is the maximum number of requests in flight per lookup.
	Alpha int `yaml:"alpha"`
	// Timeout is the per-lookup deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the classic Kademlia parameters.
func DefaultConfig() Config {
	return Config{
		K:       20,
		Alpha:   3,
		Timeout: 30 * time.Second,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("k must be at least 1, got %d", c.K)
	}
	if c.Alpha < 1 {
		return fmt.Errorf("alpha must be at least 1, got %d", c.Alpha)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Stats are cumulative engine counters.
type Stats struct {
	Started   uint64 `json:"started"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Canceled  uint64 `json:"canceled"`
	Active    int    `json:"active"`
}

// Engine starts and tracks lookups.
type Engine struct {
	logger    *zap.Logger
	config    Config
	local     Local
	table     Table
	transport Transport
	observer  Observer

	mu     sync.Mutex
	active map[string]*state

	started   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	canceled  atomic.Uint64
}

// New creates an engine.
func New(logger *zap.Logger, config Config, local Local, table Table, tr Transport) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.K <= 0 {
		config.K = def.K
	}
	if config.Alpha <= 0 {
		config.Alpha = def.Alpha
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Engine{
		logger:    logger,
		config:    config,
		local:     local,
		table:     table,
		transport: tr,
		active:    make(map[string]*state),
	}
}

// SetObserver installs an outcome observer. It must be called before the
// first lookup.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// LookupNode starts a lookup for the K nodes closest to target. Seeds are
// queried in addition to the routing table's closest contacts.
func (e *Engine) LookupNode(target kademlia.KeyID, seeds ...kademlia.Contact) *Handle {
	return e.start(nodeStrategy, target, seeds)
}

// LookupValue starts a lookup for the value stored under target.
func (e *Engine) LookupValue(target kademlia.KeyID, seeds ...kademlia.Contact) *Handle {
	return e.start(valueStrategy, target, seeds)
}

func (e *Engine) start(strat *strategy, target kademlia.KeyID, seeds []kademlia.Contact) *Handle {
	s := newState(e, strat, target)
	e.started.Add(1)

	e.mu.Lock()
	e.active[s.handle.ID()] = s
	e.mu.Unlock()

	initial := e.table.SelectClosest(target, e.config.K, false)
	initial = append(initial, seeds...)

	s.mu.Lock()
	s.seed(initial)
	reqs := s.advance()
	s.mu.Unlock()

	e.logger.Debug("Lookup started",
		zap.String("lookup", s.handle.ID()),
		zap.String("kind", strat.name),
		zap.Stringer("target", target),
		zap.Int("seeds", len(initial)))

	s.dispatch(reqs)
	return s.handle
}

// finished is called once per lookup, with the lookup lock held.
func (e *Engine) finished(s *state, result Result, err error) {
	e.mu.Lock()
	delete(e.active, s.handle.ID())
	e.mu.Unlock()

	outcome := "success"
	switch {
	case err == nil:
		e.succeeded.Add(1)
	case derrors.Is(err, ErrLookupCanceled):
		outcome = "canceled"
		e.canceled.Add(1)
	case derrors.Is(err, ErrValueNotFound):
		outcome = "not_found"
		e.failed.Add(1)
	case derrors.Is(err, ErrLookupTimeout):
		outcome = "timeout"
		e.failed.Add(1)
	default:
		outcome = "error"
		e.failed.Add(1)
	}

	if e.observer != nil {
		e.observer.ObserveLookup(s.strategy.name, outcome, result)
	}
	e.logger.Debug("Lookup finished",
		zap.String("lookup", s.handle.ID()),
		zap.String("kind", s.strategy.name),
		zap.String("outcome", outcome),
		zap.Int("contacts", len(result.Contacts)),
		zap.Int("queried", result.Queried),
		zap.Int("hops", result.Hops),
		zap.Duration("elapsed", result.Elapsed))
}

func (e *Engine) observeRequest(kind, outcome string, elapsed time.Duration) {
	if e.observer != nil {
		e.observer.ObserveRequest(kind, outcome, elapsed)
	}
}

// Active returns the number of lookups in progress.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// CancelAll cancels every lookup in progress.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.active))
	for _, s := range e.active {
		handles = append(handles, s.handle)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Started:   e.started.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Canceled:  e.canceled.Load(),
		Active:    e.Active(),
	}
}
