package routing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

type localNode struct {
	id kademlia.KeyID
}

func (l localNode) LocalID() kademlia.KeyID          { return l.id }
func (l localNode) IsLocalID(id kademlia.KeyID) bool { return l.id.Equal(id) }

// heldPinger records pings and lets the test answer them later.
type heldPinger struct {
	mu      sync.Mutex
	pending map[string]func(PingResult)
	calls   []kademlia.Contact
}

func newHeldPinger() *heldPinger {
	return &heldPinger{pending: make(map[string]func(PingResult))}
}

func (p *heldPinger) Ping(c kademlia.Contact, done func(PingResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	p.pending[c.Address] = done
}

func (p *heldPinger) answer(t *testing.T, address string, alive bool) {
	t.Helper()
	result := PingDead
	if alive {
		result = PingAlive
	}
	p.complete(t, address, result)
}

func (p *heldPinger) complete(t *testing.T, address string, result PingResult) {
	t.Helper()
	p.mu.Lock()
	done, ok := p.pending[address]
	delete(p.pending, address)
	p.mu.Unlock()
	require.True(t, ok, "no ping pending for %s", address)
	done(result)
}

func (p *heldPinger) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// selfID is the local id of test tables: in the 0000 region, but not zero.
func selfID() kademlia.KeyID {
	return nearID(0xFF)
}

// farID returns an id in the 0xFFFF... region whose last byte is n.
func farID(n byte) kademlia.KeyID {
	var b [kademlia.IDSize]byte
	for i := 0; i < 8; i++ {
		b[i] = 0xFF
	}
	b[kademlia.IDSize-1] = n
	return kademlia.FromArray(b, kademlia.NamespaceNode)
}

// nearID returns an id equal to zero except for the last byte.
func nearID(n byte) kademlia.KeyID {
	var b [kademlia.IDSize]byte
	b[kademlia.IDSize-1] = n
	return kademlia.FromArray(b, kademlia.NamespaceNode)
}

func addr(n int) string {
	return fmt.Sprintf("10.0.0.%d:4000", n)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.K = 4
	cfg.B = 4
	cfg.CacheSize = 3
	cfg.MaxConsecutiveFailures = 2
	cfg.FailureStormThreshold = 0
	return cfg
}

func newTestTable(t *testing.T, cfg Config, pinger Pinger) (*Table, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tbl := New(zaptest.NewLogger(t), cfg, localNode{id: selfID()}, pinger)
	tbl.now = clock.Now
	tbl.nodes[0].bucket.touched = clock.Now()
	return tbl, clock
}

// fillFarBucket inserts K contacts into the static 1111 bucket.
func fillFarBucket(t *testing.T, tbl *Table, knownAlive bool) {
	t.Helper()
	for i := 1; i <= tbl.config.K; i++ {
		require.True(t, tbl.Add(kademlia.NewContact(farID(byte(i)), addr(i)), knownAlive))
	}
	require.Equal(t, tbl.config.K, tbl.Size())
}

func totalContacts(tbl *Table) int {
	return len(tbl.Contacts()) + len(tbl.CachedContacts())
}

// checkStructure verifies the trie partitions the id space and that the
// designated bucket sits in the sibling subtree of the local bucket.
func checkStructure(t *testing.T, tbl *Table) {
	t.Helper()
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	local := tbl.cb.LocalID()
	var localDepth int
	var walkPath func(idx int, prefix kademlia.KeyID, depth int)
	walkPath = func(idx int, prefix kademlia.KeyID, depth int) {
		n := tbl.nodes[idx]
		if n.bucket != nil {
			require.Equal(t, depth, n.bucket.depth)
			require.GreaterOrEqual(t, n.bucket.prefix.CommonPrefixLen(prefix), depth)
			require.LessOrEqual(t, n.bucket.live.Len(), tbl.config.K)
			require.LessOrEqual(t, n.bucket.cache.Len(), tbl.config.CacheSize)
			for el := n.bucket.live.Front(); el != nil; el = el.Next() {
				require.True(t, n.bucket.covers(el.Value.contact.ID))
			}
			if n.bucket.covers(local) {
				localDepth = depth
			}
			return
		}
		walkPath(n.left, prefix.WithBitCleared(depth), depth+1)
		walkPath(n.right, prefix.WithBitSet(depth), depth+1)
	}
	walkPath(0, kademlia.KeyID{}, 0)

	if tbl.smallest == noNode {
		return
	}
	designated := tbl.nodes[tbl.smallest].bucket
	require.NotNil(t, designated, "designated bucket must be a leaf")
	require.False(t, designated.covers(local))
	require.GreaterOrEqual(t, designated.depth, localDepth)
	require.Equal(t, localDepth-1, designated.prefix.CommonPrefixLen(local))
}

func TestAddRejects(t *testing.T) {
	tbl, _ := newTestTable(t, testConfig(), nil)

	t.Run("LocalID", func(t *testing.T) {
		assert.False(t, tbl.Add(kademlia.NewContact(selfID(), addr(1)), true))
	})

	t.Run("ZeroID", func(t *testing.T) {
		require.False(t, tbl.cb.IsLocalID(kademlia.KeyID{}))
		assert.False(t, tbl.Add(kademlia.NewContact(kademlia.KeyID{}, "10.0.0.9:4000"), false))
		assert.False(t, tbl.Add(kademlia.NewContact(kademlia.KeyID{}, "10.0.0.9:4000"), true))
		_, ok := tbl.Get(kademlia.KeyID{})
		assert.False(t, ok)
	})

	t.Run("InvalidAddress", func(t *testing.T) {
		for _, a := range []string{"", "nohost", ":4000", "10.0.0.1:0", "10.0.0.1:70000"} {
			assert.False(t, tbl.Add(kademlia.NewContact(farID(1), a), true), a)
		}
	})

	assert.Equal(t, 0, tbl.Size())
}

func TestAddAndRefresh(t *testing.T) {
	tbl, clock := newTestTable(t, testConfig(), nil)
	c := kademlia.NewContact(farID(1), addr(1))

	assert.True(t, tbl.Add(c, false))
	got, ok := tbl.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, kademlia.StateUnknown, got.State)

	clock.Advance(time.Second)
	assert.False(t, tbl.Add(c, true))
	got, _ = tbl.Get(c.ID)
	assert.Equal(t, kademlia.StateAlive, got.State)
	assert.Equal(t, clock.Now(), got.LastSeen)
	assert.Equal(t, 1, tbl.Size())
}

func TestSplit(t *testing.T) {
	t.Run("FarContactsStopAtSymbolBoundary", func(t *testing.T) {
		tbl, _ := newTestTable(t, testConfig(), newHeldPinger())
		fillFarBucket(t, tbl, true)

		assert.False(t, tbl.Add(kademlia.NewContact(farID(99), addr(99)), true))
		assert.Equal(t, tbl.config.K+1, totalContacts(tbl))
		assert.Equal(t, tbl.config.K, tbl.Size())
		assert.Greater(t, tbl.Stats().Splits, uint64(0))

		var far BucketInfo
		for _, b := range tbl.Buckets() {
			if b.Prefix == "1111" {
				far = b
			}
		}
		assert.Equal(t, 4, far.Depth)
		assert.Equal(t, tbl.config.K, far.Live)
		assert.Equal(t, 1, far.Cached)
		checkStructure(t, tbl)
	})

	t.Run("NearContactsAllFit", func(t *testing.T) {
		tbl, _ := newTestTable(t, testConfig(), nil)
		for i := 1; i <= tbl.config.K+1; i++ {
			require.True(t, tbl.Add(kademlia.NewContact(nearID(byte(i)), addr(i)), true))
			checkStructure(t, tbl)
		}
		assert.Equal(t, tbl.config.K+1, tbl.Size())
		assert.Empty(t, tbl.CachedContacts())
	})

	t.Run("RandomInsertsKeepStructure", func(t *testing.T) {
		tbl, _ := newTestTable(t, testConfig(), newHeldPinger())
		tbl.cb = localNode{id: kademlia.Random(kademlia.NamespaceNode)}
		for i := 0; i < 300; i++ {
			before := totalContacts(tbl)
			c := kademlia.NewContact(kademlia.Random(kademlia.NamespaceNode), fmt.Sprintf("10.1.%d.%d:4000", i/250, i%250+1))
			changed := tbl.Add(c, true)
			after := totalContacts(tbl)
			if changed {
				assert.Equal(t, before+1, after)
			}
		}
		checkStructure(t, tbl)
	})
}

func TestReplacementCache(t *testing.T) {
	t.Run("BoundedEvictsOldest", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		fillFarBucket(t, tbl, true)

		for i := 10; i < 10+tbl.config.CacheSize+2; i++ {
			assert.False(t, tbl.Add(kademlia.NewContact(farID(byte(i)), addr(i)), true))
		}

		cached := tbl.CachedContacts()
		require.Len(t, cached, tbl.config.CacheSize)
		_, ok := tbl.Get(farID(10))
		assert.False(t, ok, "oldest cached contact should be evicted")
		_, ok = tbl.Get(farID(byte(10 + tbl.config.CacheSize + 1)))
		assert.True(t, ok)

		// Only one liveness ping per least-recently-seen member.
		assert.Equal(t, 1, pinger.callCount())
	})

	t.Run("LiveNewcomerReplacesUnknown", func(t *testing.T) {
		tbl, _ := newTestTable(t, testConfig(), newHeldPinger())
		fillFarBucket(t, tbl, false)

		newcomer := kademlia.NewContact(farID(50), addr(50))
		assert.True(t, tbl.Add(newcomer, true))
		assert.Equal(t, tbl.config.K, tbl.Size())
		_, ok := tbl.Get(farID(1))
		assert.False(t, ok)
		got, ok := tbl.Get(newcomer.ID)
		require.True(t, ok)
		assert.True(t, got.IsAlive())
	})

	t.Run("DeadLRSPromotesCached", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		fillFarBucket(t, tbl, true)

		newcomer := kademlia.NewContact(farID(50), addr(50))
		assert.False(t, tbl.Add(newcomer, true))
		assert.Len(t, tbl.CachedContacts(), 1)

		pinger.answer(t, addr(1), false)

		_, ok := tbl.Get(farID(1))
		assert.False(t, ok)
		assert.Equal(t, tbl.config.K, tbl.Size())
		assert.Empty(t, tbl.CachedContacts())
		assert.Contains(t, tbl.Contacts(), mustGet(t, tbl, newcomer.ID))
	})

	t.Run("AliveLRSStays", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		fillFarBucket(t, tbl, true)

		assert.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), true))
		pinger.answer(t, addr(1), true)

		_, ok := tbl.Get(farID(1))
		assert.True(t, ok)
		assert.Len(t, tbl.CachedContacts(), 1)

		// The pinged contact is now the most recently seen.
		contacts := tbl.Contacts()
		assert.True(t, contacts[len(contacts)-1].ID.Equal(farID(1)))
	})
}

func TestAbortedPing(t *testing.T) {
	t.Run("LivenessKeepsContact", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		fillFarBucket(t, tbl, true)

		assert.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), true))
		pinger.complete(t, addr(1), PingAborted)

		_, ok := tbl.Get(farID(1))
		assert.True(t, ok)
		assert.Equal(t, uint64(0), tbl.Stats().Evictions)
		assert.Len(t, tbl.CachedContacts(), 1)

		// The ping slot is released.
		assert.False(t, tbl.Add(kademlia.NewContact(farID(51), addr(51)), true))
		assert.Equal(t, 2, pinger.callCount())
	})

	t.Run("SpoofCheckKeepsBinding", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		id := farID(7)
		require.True(t, tbl.Add(kademlia.NewContact(id, addr(1)), true))

		tbl.Add(kademlia.NewContact(id, addr(2)), true)
		pinger.complete(t, addr(1), PingAborted)

		assert.Equal(t, addr(1), mustGet(t, tbl, id).Address)
		assert.Equal(t, uint64(0), tbl.Stats().SpoofReplaced)
		assert.Equal(t, uint64(0), tbl.Stats().SpoofRejected)
	})
}

func mustGet(t *testing.T, tbl *Table, id kademlia.KeyID) kademlia.Contact {
	t.Helper()
	c, ok := tbl.Get(id)
	require.True(t, ok)
	return c
}

func TestHandleFailure(t *testing.T) {
	t.Run("EvictsAndPromotes", func(t *testing.T) {
		tbl, _ := newTestTable(t, testConfig(), newHeldPinger())
		fillFarBucket(t, tbl, true)
		require.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), true))
		require.False(t, tbl.Add(kademlia.NewContact(farID(51), addr(51)), true))

		tbl.HandleFailure(farID(2))
		assert.Equal(t, 1, mustGet(t, tbl, farID(2)).Failures)
		tbl.HandleFailure(farID(2))

		_, ok := tbl.Get(farID(2))
		assert.False(t, ok)
		assert.Equal(t, tbl.config.K, tbl.Size())

		promoted := mustGet(t, tbl, farID(51))
		assert.Contains(t, tbl.Contacts(), promoted, "most recently seen cached contact is promoted")
		assert.Equal(t, uint64(1), tbl.Stats().Evictions)
	})

	t.Run("SuccessResetsCount", func(t *testing.T) {
		tbl, _ := newTestTable(t, testConfig(), nil)
		c := kademlia.NewContact(farID(1), addr(1))
		require.True(t, tbl.Add(c, true))

		tbl.HandleFailure(c.ID)
		tbl.Add(c, true)
		tbl.HandleFailure(c.ID)

		got := mustGet(t, tbl, c.ID)
		assert.Equal(t, 1, got.Failures)
	})

	t.Run("CachedContactDropped", func(t *testing.T) {
		tbl, _ := newTestTable(t, testConfig(), newHeldPinger())
		fillFarBucket(t, tbl, true)
		require.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), true))

		tbl.HandleFailure(farID(50))
		assert.Empty(t, tbl.CachedContacts())
	})

	t.Run("StormSuppressesEviction", func(t *testing.T) {
		cfg := testConfig()
		cfg.FailureStormThreshold = 3
		tbl, _ := newTestTable(t, cfg, nil)
		a := kademlia.NewContact(farID(1), addr(1))
		b := kademlia.NewContact(farID(2), addr(2))
		require.True(t, tbl.Add(a, true))
		require.True(t, tbl.Add(b, true))

		tbl.HandleFailure(b.ID)
		tbl.HandleFailure(b.ID)
		_, ok := tbl.Get(b.ID)
		require.False(t, ok, "b reaches its own threshold before the storm")

		tbl.HandleFailure(a.ID)
		_, ok = tbl.Get(a.ID)
		assert.True(t, ok, "third back-to-back failure is suppressed")
		assert.Equal(t, 0, mustGet(t, tbl, a.ID).Failures)

		require.False(t, tbl.Add(a, true))
		tbl.HandleFailure(a.ID)
		tbl.HandleFailure(a.ID)
		_, ok = tbl.Get(a.ID)
		assert.False(t, ok, "a successful exchange ends the storm")
		assert.Equal(t, uint64(1), tbl.Stats().StormSuppressed)
	})

	t.Run("StormSuppressesLivenessEviction", func(t *testing.T) {
		cfg := testConfig()
		cfg.FailureStormThreshold = 3
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, cfg, pinger)
		fillFarBucket(t, tbl, true)

		for i := 0; i < 10; i++ {
			tbl.HandleFailure(farID(99))
		}
		require.Equal(t, uint64(8), tbl.Stats().StormSuppressed)

		assert.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), false))
		pinger.answer(t, addr(1), false)

		_, ok := tbl.Get(farID(1))
		assert.True(t, ok, "failed liveness ping during a storm does not evict")
		assert.Equal(t, tbl.config.K, tbl.Size())
		assert.Equal(t, uint64(0), tbl.Stats().Evictions)
		assert.Equal(t, uint64(9), tbl.Stats().StormSuppressed)
	})

	t.Run("FailedLivenessPingCountsTowardStorm", func(t *testing.T) {
		cfg := testConfig()
		cfg.FailureStormThreshold = 2
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, cfg, pinger)
		fillFarBucket(t, tbl, true)

		assert.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), false))
		pinger.answer(t, addr(1), false)
		_, ok := tbl.Get(farID(1))
		require.False(t, ok, "first failure is below the threshold")

		tbl.HandleFailure(farID(2))
		assert.Equal(t, uint64(1), tbl.Stats().StormSuppressed)
		assert.Equal(t, 0, mustGet(t, tbl, farID(2)).Failures)
	})
}

func TestSpoofArbitration(t *testing.T) {
	id := farID(7)
	original := kademlia.NewContact(id, addr(1))
	claimant := kademlia.NewContact(id, addr(2))

	t.Run("UnresponsiveOriginalIsReplaced", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		require.True(t, tbl.Add(original, true))

		assert.False(t, tbl.Add(claimant, true))
		assert.Equal(t, addr(1), mustGet(t, tbl, id).Address, "address unchanged while verifying")

		pinger.answer(t, addr(1), false)
		got := mustGet(t, tbl, id)
		assert.Equal(t, addr(2), got.Address)
		assert.True(t, got.IsAlive())
		assert.Equal(t, uint64(1), tbl.Stats().SpoofReplaced)
	})

	t.Run("ResponsiveOriginalIsKept", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		require.True(t, tbl.Add(original, true))

		tbl.Add(claimant, true)
		pinger.answer(t, addr(1), true)
		assert.Equal(t, addr(1), mustGet(t, tbl, id).Address)
		assert.Equal(t, uint64(1), tbl.Stats().SpoofRejected)
	})

	t.Run("RateLimited", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, clock := newTestTable(t, testConfig(), pinger)
		require.True(t, tbl.Add(original, true))

		tbl.Add(claimant, true)
		pinger.answer(t, addr(1), true)
		tbl.Add(claimant, true)
		assert.Equal(t, 1, pinger.callCount())

		clock.Advance(tbl.config.MinReconnectionInterval)
		tbl.Add(claimant, true)
		assert.Equal(t, 2, pinger.callCount())
	})

	t.Run("HearsayIgnored", func(t *testing.T) {
		pinger := newHeldPinger()
		tbl, _ := newTestTable(t, testConfig(), pinger)
		require.True(t, tbl.Add(original, true))

		tbl.Add(claimant, false)
		assert.Equal(t, 0, pinger.callCount())
		assert.Equal(t, addr(1), mustGet(t, tbl, id).Address)
	})
}

func TestSelectClosest(t *testing.T) {
	tbl, _ := newTestTable(t, testConfig(), nil)
	for i := 1; i <= 3; i++ {
		require.True(t, tbl.Add(kademlia.NewContact(nearID(byte(i)), addr(i)), i != 2))
	}

	target := nearID(3)
	all := tbl.SelectClosest(target, 10, false)
	require.Len(t, all, 3)
	assert.True(t, all[0].ID.Equal(nearID(3)))
	assert.True(t, all[1].ID.Equal(nearID(2)))
	assert.True(t, all[2].ID.Equal(nearID(1)))

	live := tbl.SelectClosest(target, 10, true)
	require.Len(t, live, 2)
	assert.True(t, live[1].ID.Equal(nearID(1)))

	assert.Len(t, tbl.SelectClosest(target, 1, false), 1)
	assert.Empty(t, tbl.SelectClosest(target, 0, false))

	best, ok := tbl.Select(nearID(2))
	require.True(t, ok)
	assert.True(t, best.ID.Equal(nearID(2)))
}

func TestRemove(t *testing.T) {
	tbl, _ := newTestTable(t, testConfig(), newHeldPinger())
	fillFarBucket(t, tbl, true)
	require.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), true))

	assert.True(t, tbl.Remove(farID(3)))
	assert.False(t, tbl.Remove(farID(3)))
	assert.Equal(t, tbl.config.K, tbl.Size())
	assert.Empty(t, tbl.CachedContacts())
}

func TestRefreshIDs(t *testing.T) {
	split := func(t *testing.T) (*Table, *fakeClock) {
		tbl, clock := newTestTable(t, testConfig(), newHeldPinger())
		fillFarBucket(t, tbl, true)
		require.False(t, tbl.Add(kademlia.NewContact(farID(50), addr(50)), true))
		require.Len(t, tbl.Buckets(), 5)
		return tbl, clock
	}

	t.Run("Bootstrap", func(t *testing.T) {
		tbl, _ := split(t)
		ids := tbl.RefreshIDs(true)
		assert.Len(t, ids, len(tbl.Buckets())-1, "every bucket but the local one")
		for _, id := range ids {
			idx := tbl.leafFor(id)
			require.NotEqual(t, noNode, idx)
			assert.False(t, tbl.nodes[idx].bucket.covers(selfID()))
		}
	})

	t.Run("StaleAndUnderFull", func(t *testing.T) {
		tbl, clock := split(t)
		assert.Empty(t, tbl.RefreshIDs(false), "fresh buckets need no refresh")

		clock.Advance(tbl.config.RefreshInterval / 2)
		ids := tbl.RefreshIDs(false)
		assert.Len(t, ids, 4)
		for _, id := range ids {
			assert.False(t, id.Bit(0) && id.Bit(1) && id.Bit(2) && id.Bit(3), "full bucket is not yet stale")
		}

		assert.Empty(t, tbl.RefreshIDs(false), "returned buckets count as touched")

		clock.Advance(tbl.config.RefreshInterval)
		assert.Len(t, tbl.RefreshIDs(false), len(tbl.Buckets()))
	})
}
