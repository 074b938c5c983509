// Package routing implements the Kademlia routing table: a prefix trie of
// k-buckets with replacement caches, smallest-subtree splitting, liveness
// probing and identity spoof arbitration.
package routing

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

// PingResult is the outcome of a ping.
type PingResult uint8

const (
	// PingAlive means the contact answered.
	PingAlive PingResult = iota
	// PingDead means the contact did not answer.
	PingDead
	// PingAborted means the ping never reached the contact, for instance
	// because the transport is shutting down. It says nothing about the
	// contact.
	PingAborted
)

func (r PingResult) String() string {
	switch r {
	case PingAlive:
		return "alive"
	case PingDead:
		return "dead"
	}
	return "aborted"
}

// Pinger checks that a contact is alive. Ping must not block; done is invoked exactly once
// with the outcome, from any goroutine.
type Pinger interface {
	Ping(c kademlia.Contact, done func(PingResult))
}

var errSpoofedClaim = derrors.New(derrors.KindIdentityConflict, "routing.add", "id claimed from a second address")

// Callback exposes the local node's identity to the table.
type Callback interface {
	LocalID() kademlia.KeyID
	IsLocalID(id kademlia.KeyID) bool
}

// Stats are cumulative table counters.
type Stats struct {
	Splits          uint64 `json:"splits"`
	Evictions       uint64 `json:"evictions"`
	Replacements    uint64 `json:"replacements"`
	CacheInserts    uint64 `json:"cache_inserts"`
	SpoofChecks     uint64 `json:"spoof_checks"`
	SpoofRejected   uint64 `json:"spoof_rejected"`
	SpoofReplaced   uint64 `json:"spoof_replaced"`
	StormSuppressed uint64 `json:"storm_suppressed"`
}

type pingPurpose uint8

const (
	pingLiveness pingPurpose = iota
	pingSpoofCheck
)

// pendingPing is collected under the table lock and dispatched after it is
// released.
type pendingPing struct {
	purpose  pingPurpose
	target   kademlia.Contact
	claimant kademlia.Contact
}

const noNode = -1

// trieNode is an arena slot. Inner nodes carry child indices, leaves carry a
// bucket.
type trieNode struct {
	left, right int
	bucket      *bucket
}

// Table is the routing table. All methods are safe for concurrent use.
type Table struct {
	logger *zap.Logger
	config Config
	cb     Callback
	pinger Pinger

	mu                  sync.Mutex
	nodes               []trieNode
	smallest            int
	consecutiveFailures int
	pinging             map[idKey]struct{}

	now func() time.Time

	splits          atomic.Uint64
	evictions       atomic.Uint64
	replacements    atomic.Uint64
	cacheInserts    atomic.Uint64
	spoofChecks     atomic.Uint64
	spoofRejected   atomic.Uint64
	spoofReplaced   atomic.Uint64
	stormSuppressed atomic.Uint64
}

// New creates an empty table with a single bucket covering the whole space.
// A nil pinger disables liveness probing and spoof arbitration.
func New(logger *zap.Logger, config Config, cb Callback, pinger Pinger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()

	t := &Table{
		logger:   logger,
		config:   config,
		cb:       cb,
		pinger:   pinger,
		smallest: noNode,
		pinging:  make(map[idKey]struct{}),
		now:      time.Now,
	}
	t.nodes = []trieNode{{left: noNode, right: noNode, bucket: newBucket(kademlia.KeyID{}, 0, t.now())}}
	return t
}

// Config returns the effective configuration.
func (t *Table) Config() Config {
	return t.config
}

// Add inserts or refreshes a contact and reports whether the set of live
// contacts changed. knownAlive means the contact was just heard from directly.
func (t *Table) Add(c kademlia.Contact, knownAlive bool) bool {
	if !c.Valid() {
		t.logger.Debug("Rejecting invalid contact", zap.Stringer("contact", c))
		return false
	}
	if t.cb.IsLocalID(c.ID) {
		return false
	}
	c.ID = c.ID.WithNamespace(kademlia.NamespaceNode)

	var pings []pendingPing
	t.mu.Lock()
	changed := t.add(c, knownAlive, t.now(), &pings)
	t.mu.Unlock()

	t.dispatch(pings)
	return changed
}

func (t *Table) add(c kademlia.Contact, knownAlive bool, now time.Time, pings *[]pendingPing) bool {
	if knownAlive {
		t.consecutiveFailures = 0
	}
	fresh := newEntry(c, knownAlive, now)
	key := c.ID.Key()

	for level := 0; level <= kademlia.IDBits; level++ {
		idx := t.leafFor(c.ID)
		if idx == noNode {
			t.logger.Error("Routing trie has no bucket for id", zap.Stringer("id", c.ID))
			return false
		}
		b := t.nodes[idx].bucket

		if e, ok := b.live.Get(key); ok {
			return t.updateExisting(b, e, c, knownAlive, now, pings)
		}
		if e, ok := b.cache.Get(key); ok {
			if b.live.Len() >= t.config.K {
				if knownAlive || e.contact.Address == c.Address {
					e.contact = fresh.contact
					markSeen(b.cache, e)
				}
				return false
			}
			b.cache.Delete(key)
		}

		if b.live.Len() < t.config.K {
			b.live.Set(key, fresh)
			b.touch(now)
			return true
		}

		if t.canSplit(idx) {
			if err := t.split(idx); err != nil {
				t.logger.Error("Bucket split failed", zap.Error(err))
				return false
			}
			continue
		}

		if knownAlive {
			if lrs, ok := leastRecentlySeen(b.live, func(e *entry) bool { return !e.contact.IsAlive() }); ok {
				b.live.Delete(lrs.contact.ID.Key())
				b.live.Set(key, fresh)
				b.touch(now)
				t.replacements.Add(1)
				t.logger.Debug("Replaced unverified contact",
					zap.Stringer("old", lrs.contact.ID),
					zap.Stringer("new", c.ID))
				return true
			}
		}

		if b.pushCache(fresh, t.config.CacheSize) {
			t.cacheInserts.Add(1)
		}
		if lrs := b.live.Front(); lrs != nil {
			t.queuePing(pings, pendingPing{purpose: pingLiveness, target: lrs.Value.contact})
		}
		return false
	}

	t.logger.Error("Bucket split did not terminate", zap.Stringer("id", c.ID))
	return false
}

func newEntry(c kademlia.Contact, knownAlive bool, now time.Time) *entry {
	c.Failures = 0
	if knownAlive {
		c.State = kademlia.StateAlive
		c.LastSeen = now
	} else {
		c.State = kademlia.StateUnknown
	}
	return &entry{contact: c}
}

func (t *Table) updateExisting(b *bucket, e *entry, c kademlia.Contact, knownAlive bool, now time.Time, pings *[]pendingPing) bool {
	if e.contact.Address == c.Address {
		if knownAlive {
			e.contact.State = kademlia.StateAlive
			e.contact.Failures = 0
			e.contact.LastSeen = now
			markSeen(b.live, e)
			b.touch(now)
		}
		return false
	}

	// Hearsay is not enough to challenge a known address.
	if !knownAlive {
		return false
	}

	if e.contact.IsDead() {
		t.replaceIdentity(b, e, c, now)
		return false
	}

	key := c.ID.Key()
	if _, busy := t.pinging[key]; busy {
		return false
	}
	if !e.lastSpoofCheck.IsZero() && now.Sub(e.lastSpoofCheck) < t.config.MinReconnectionInterval {
		t.logger.Debug("Ignoring address change within reconnection interval",
			zap.Stringer("id", c.ID),
			zap.String("known", e.contact.Address),
			zap.String("claimed", c.Address))
		return false
	}
	if t.pinger == nil {
		return false
	}

	e.lastSpoofCheck = now
	t.spoofChecks.Add(1)
	t.queuePing(pings, pendingPing{purpose: pingSpoofCheck, target: e.contact, claimant: c})
	return false
}

func (t *Table) replaceIdentity(b *bucket, e *entry, c kademlia.Contact, now time.Time) {
	t.logger.Info("Contact moved to new address",
		zap.Stringer("id", c.ID),
		zap.String("old", e.contact.Address),
		zap.String("new", c.Address))
	e.contact = newEntry(c, true, now).contact
	markSeen(b.live, e)
	b.touch(now)
}

func (t *Table) queuePing(pings *[]pendingPing, p pendingPing) {
	if t.pinger == nil {
		return
	}
	key := p.target.ID.Key()
	if _, busy := t.pinging[key]; busy {
		return
	}
	t.pinging[key] = struct{}{}
	*pings = append(*pings, p)
}

func (t *Table) dispatch(pings []pendingPing) {
	for _, p := range pings {
		p := p
		t.pinger.Ping(p.target, func(result PingResult) {
			t.onPingResult(p, result)
		})
	}
}

func (t *Table) onPingResult(p pendingPing, result PingResult) {
	var pings []pendingPing

	t.mu.Lock()
	now := t.now()
	key := p.target.ID.Key()
	delete(t.pinging, key)

	if result == PingAborted {
		t.mu.Unlock()
		t.logger.Debug("Ping aborted, contact left unchanged", zap.Stringer("contact", p.target))
		return
	}
	alive := result == PingAlive

	if idx := t.leafFor(p.target.ID); idx != noNode {
		b := t.nodes[idx].bucket
		e, ok := b.live.Get(key)

		switch p.purpose {
		case pingLiveness:
			if ok && e.contact.Address == p.target.Address {
				if alive {
					t.consecutiveFailures = 0
					e.contact.State = kademlia.StateAlive
					e.contact.Failures = 0
					e.contact.LastSeen = now
					markSeen(b.live, e)
					b.touch(now)
				} else if t.recordFailure() {
					t.evict(b, e, "liveness ping failed")
				}
			}

		case pingSpoofCheck:
			switch {
			case !ok:
				t.add(p.claimant, true, now, &pings)
			case e.contact.Address != p.target.Address:
			case alive:
				t.spoofRejected.Add(1)
				e.contact.State = kademlia.StateAlive
				e.contact.Failures = 0
				e.contact.LastSeen = now
				markSeen(b.live, e)
				b.touch(now)
				t.logger.Warn("Rejected spoofed contact",
					zap.Error(errSpoofedClaim),
					zap.Stringer("id", p.target.ID),
					zap.String("known", p.target.Address),
					zap.String("claimed", p.claimant.Address))
			default:
				t.spoofReplaced.Add(1)
				t.replaceIdentity(b, e, p.claimant, now)
			}
		}
	}
	t.mu.Unlock()

	t.dispatch(pings)
}

// evict removes a live entry and promotes the most recently seen cached
// contact in its place.
func (t *Table) evict(b *bucket, e *entry, reason string) {
	b.live.Delete(e.contact.ID.Key())
	t.evictions.Add(1)
	t.logger.Debug("Evicted contact",
		zap.Stringer("contact", e.contact),
		zap.String("reason", reason))

	if promoted, ok := b.popMostRecentCached(); ok {
		b.live.Set(promoted.contact.ID.Key(), promoted)
		t.logger.Debug("Promoted cached contact", zap.Stringer("contact", promoted.contact))
	}
}

// HandleFailure records a failed exchange with id.
func (t *Table) HandleFailure(id kademlia.KeyID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.recordFailure() {
		return
	}

	idx := t.leafFor(id)
	if idx == noNode {
		return
	}
	b := t.nodes[idx].bucket
	key := id.Key()

	e, ok := b.live.Get(key)
	if !ok {
		b.cache.Delete(key)
		return
	}
	e.contact.Failures++
	if e.contact.Failures >= t.config.MaxConsecutiveFailures {
		e.contact.State = kademlia.StateDead
		t.evict(b, e, "too many failures")
	}
}

// recordFailure counts a failed exchange toward the storm guard and reports
// whether the failure may lead to an eviction. The lock must be held.
func (t *Table) recordFailure() bool {
	t.consecutiveFailures++
	if t.config.FailureStormThreshold > 0 && t.consecutiveFailures >= t.config.FailureStormThreshold {
		t.stormSuppressed.Add(1)
		if t.consecutiveFailures == t.config.FailureStormThreshold {
			t.logger.Warn("Failure storm detected, suppressing evictions",
				zap.Int("consecutive_failures", t.consecutiveFailures))
		}
		return false
	}
	return true
}

// Remove drops id from the table, promoting a cached contact if it was live.
func (t *Table) Remove(id kademlia.KeyID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.leafFor(id)
	if idx == noNode {
		return false
	}
	b := t.nodes[idx].bucket
	key := id.Key()
	if e, ok := b.live.Get(key); ok {
		t.evict(b, e, "removed")
		return true
	}
	return b.cache.Delete(key)
}

// Get returns the contact for id from the live set or the replacement cache.
func (t *Table) Get(id kademlia.KeyID) (kademlia.Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.leafFor(id)
	if idx == noNode {
		return kademlia.Contact{}, false
	}
	b := t.nodes[idx].bucket
	if e, ok := b.live.Get(id.Key()); ok {
		return e.contact, true
	}
	if e, ok := b.cache.Get(id.Key()); ok {
		return e.contact, true
	}
	return kademlia.Contact{}, false
}

// Select returns the single closest live-set contact to id.
func (t *Table) Select(id kademlia.KeyID) (kademlia.Contact, bool) {
	closest := t.SelectClosest(id, 1, false)
	if len(closest) == 0 {
		return kademlia.Contact{}, false
	}
	return closest[0], true
}

// SelectClosest returns up to count contacts ordered by distance to id. Dead
// contacts are never returned; liveOnly also skips unverified ones.
func (t *Table) SelectClosest(id kademlia.KeyID, count int, liveOnly bool) []kademlia.Contact {
	if count <= 0 {
		return nil
	}
	t.mu.Lock()
	var out []kademlia.Contact
	for _, n := range t.nodes {
		if n.bucket == nil {
			continue
		}
		for el := n.bucket.live.Front(); el != nil; el = el.Next() {
			c := el.Value.contact
			if c.IsDead() || (liveOnly && !c.IsAlive()) {
				continue
			}
			out = append(out, c)
		}
	}
	t.mu.Unlock()

	kademlia.SortByDistance(out, id)
	if len(out) > count {
		out = out[:count]
	}
	return out
}

// RefreshIDs returns one random target per bucket that needs a lookup. With
// forBootstrap every bucket except the local one is returned. Otherwise a
// bucket qualifies when it has been idle for RefreshInterval, or when it is
// under-full and idle for half that time. Returned buckets count as touched.
func (t *Table) RefreshIDs(forBootstrap bool) []kademlia.KeyID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	local := t.cb.LocalID()
	var ids []kademlia.KeyID
	for _, n := range t.nodes {
		b := n.bucket
		if b == nil {
			continue
		}
		if forBootstrap {
			if b.covers(local) {
				continue
			}
		} else {
			idle := now.Sub(b.touched)
			stale := idle >= t.config.RefreshInterval
			underFull := b.live.Len() < t.config.K && idle >= t.config.RefreshInterval/2
			if !stale && !underFull {
				continue
			}
		}
		ids = append(ids, kademlia.RandomWithPrefix(b.prefix, b.depth).WithNamespace(kademlia.NamespaceNode))
		b.touch(now)
	}
	return ids
}

// Size returns the number of live contacts.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, node := range t.nodes {
		if node.bucket != nil {
			n += node.bucket.live.Len()
		}
	}
	return n
}

// Contacts returns a snapshot of every live-set contact.
func (t *Table) Contacts() []kademlia.Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []kademlia.Contact
	for _, n := range t.nodes {
		if n.bucket != nil {
			out = append(out, snapshot(n.bucket.live)...)
		}
	}
	return out
}

// CachedContacts returns a snapshot of every replacement-cache contact.
func (t *Table) CachedContacts() []kademlia.Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []kademlia.Contact
	for _, n := range t.nodes {
		if n.bucket != nil {
			out = append(out, snapshot(n.bucket.cache)...)
		}
	}
	return out
}

// Buckets describes every bucket, in trie order.
func (t *Table) Buckets() []BucketInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	local := t.cb.LocalID()
	var out []BucketInfo
	t.walk(0, func(idx int, b *bucket) {
		out = append(out, BucketInfo{
			Prefix:          prefixString(b.prefix, b.depth),
			Depth:           b.depth,
			Live:            b.live.Len(),
			Cached:          b.cache.Len(),
			Touched:         b.touched,
			ContainsLocal:   b.covers(local),
			SmallestSubtree: idx == t.smallest,
		})
	})
	return out
}

// Stats returns a snapshot of the table counters.
func (t *Table) Stats() Stats {
	return Stats{
		Splits:          t.splits.Load(),
		Evictions:       t.evictions.Load(),
		Replacements:    t.replacements.Load(),
		CacheInserts:    t.cacheInserts.Load(),
		SpoofChecks:     t.spoofChecks.Load(),
		SpoofRejected:   t.spoofRejected.Load(),
		SpoofReplaced:   t.spoofReplaced.Load(),
		StormSuppressed: t.stormSuppressed.Load(),
	}
}

// walk visits leaves left to right.
func (t *Table) walk(idx int, fn func(int, *bucket)) {
	stack := []int{idx}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[i]
		if n.bucket != nil {
			fn(i, n.bucket)
			continue
		}
		stack = append(stack, n.right, n.left)
	}
}

// leafFor descends the trie by the bits of id.
func (t *Table) leafFor(id kademlia.KeyID) int {
	idx := 0
	for depth := 0; t.nodes[idx].bucket == nil; depth++ {
		if depth >= kademlia.IDBits {
			return noNode
		}
		if id.Bit(depth) {
			idx = t.nodes[idx].right
		} else {
			idx = t.nodes[idx].left
		}
		if idx == noNode {
			return noNode
		}
	}
	return idx
}

func (t *Table) canSplit(idx int) bool {
	b := t.nodes[idx].bucket
	if b.depth >= kademlia.IDBits {
		return false
	}
	if b.covers(t.cb.LocalID()) || idx == t.smallest {
		return true
	}
	return b.depth%t.config.B != 0
}

// split replaces leaf idx with two children one bit deeper. Nothing is
// modified if the redistribution does not account for every contact.
func (t *Table) split(idx int) error {
	b := t.nodes[idx].bucket
	depth := b.depth
	left := newBucket(b.prefix.WithBitCleared(depth), depth+1, b.touched)
	right := newBucket(b.prefix.WithBitSet(depth), depth+1, b.touched)

	for el := b.live.Front(); el != nil; el = el.Next() {
		if el.Value.contact.ID.Bit(depth) {
			right.live.Set(el.Key, el.Value)
		} else {
			left.live.Set(el.Key, el.Value)
		}
	}
	for el := b.cache.Front(); el != nil; el = el.Next() {
		if el.Value.contact.ID.Bit(depth) {
			right.cache.Set(el.Key, el.Value)
		} else {
			left.cache.Set(el.Key, el.Value)
		}
	}
	if left.live.Len()+right.live.Len() != b.live.Len() || left.cache.Len()+right.cache.Len() != b.cache.Len() {
		return derrors.New(derrors.KindStructural, "routing.split", "contact count not conserved")
	}

	li, ri := len(t.nodes), len(t.nodes)+1
	t.nodes = append(t.nodes,
		trieNode{left: noNode, right: noNode, bucket: left},
		trieNode{left: noNode, right: noNode, bucket: right},
	)
	t.nodes[idx] = trieNode{left: li, right: ri}

	local := t.cb.LocalID()
	switch {
	case b.covers(local):
		if left.covers(local) {
			t.smallest = ri
		} else {
			t.smallest = li
		}
	case idx == t.smallest:
		if local.Bit(depth) {
			t.smallest = ri
		} else {
			t.smallest = li
		}
	}

	t.splits.Add(1)
	t.logger.Debug("Split bucket",
		zap.String("prefix", prefixString(b.prefix, depth)),
		zap.Int("left", left.live.Len()),
		zap.Int("right", right.live.Len()))
	return nil
}
