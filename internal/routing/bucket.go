package routing

import (
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

type idKey = [kademlia.IDSize]byte

// entry is the table's mutable record for one contact.
type entry struct {
	contact        kademlia.Contact
	lastSpoofCheck time.Time
}

// bucket covers every id whose first depth bits equal prefix's. Both maps are
// kept in recency order: least recently seen at the front.
type bucket struct {
	prefix  kademlia.KeyID
	depth   int
	live    *orderedmap.OrderedMap[idKey, *entry]
	cache   *orderedmap.OrderedMap[idKey, *entry]
	touched time.Time
}

func newBucket(prefix kademlia.KeyID, depth int, now time.Time) *bucket {
	return &bucket{
		prefix:  prefix,
		depth:   depth,
		live:    orderedmap.NewOrderedMap[idKey, *entry](),
		cache:   orderedmap.NewOrderedMap[idKey, *entry](),
		touched: now,
	}
}

func (b *bucket) covers(id kademlia.KeyID) bool {
	return id.CommonPrefixLen(b.prefix) >= b.depth
}

func (b *bucket) touch(now time.Time) {
	b.touched = now
}

// markSeen moves e to the most recently seen end of m.
func markSeen(m *orderedmap.OrderedMap[idKey, *entry], e *entry) {
	key := e.contact.ID.Key()
	m.Delete(key)
	m.Set(key, e)
}

// leastRecentlySeen returns the front entry matching the predicate.
func leastRecentlySeen(m *orderedmap.OrderedMap[idKey, *entry], match func(*entry) bool) (*entry, bool) {
	for el := m.Front(); el != nil; el = el.Next() {
		if match(el.Value) {
			return el.Value, true
		}
	}
	return nil, false
}

// pushCache inserts e into the replacement cache, evicting the oldest entry
// when the cache is full. It reports whether e was stored.
func (b *bucket) pushCache(e *entry, capacity int) bool {
	if capacity <= 0 {
		return false
	}
	key := e.contact.ID.Key()
	if _, ok := b.cache.Get(key); ok {
		markSeen(b.cache, e)
		return true
	}
	for b.cache.Len() >= capacity {
		b.cache.Delete(b.cache.Front().Key)
	}
	b.cache.Set(key, e)
	return true
}

// popMostRecentCached removes and returns the most recently seen cache entry.
func (b *bucket) popMostRecentCached() (*entry, bool) {
	el := b.cache.Back()
	if el == nil {
		return nil, false
	}
	b.cache.Delete(el.Key)
	return el.Value, true
}

func snapshot(m *orderedmap.OrderedMap[idKey, *entry]) []kademlia.Contact {
	out := make([]kademlia.Contact, 0, m.Len())
	for el := m.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.contact)
	}
	return out
}

// prefixString renders the first depth bits of the prefix as 0s and 1s.
func prefixString(prefix kademlia.KeyID, depth int) string {
	if depth == 0 {
		return "*"
	}
	var sb strings.Builder
	sb.Grow(depth)
	for i := 0; i < depth; i++ {
		if prefix.Bit(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// BucketInfo is a read-only view of one bucket.
type BucketInfo struct {
	Prefix          string    `json:"prefix"`
	Depth           int       `json:"depth"`
	Live            int       `json:"live"`
	Cached          int       `json:"cached"`
	Touched         time.Time `json:"touched"`
	ContainsLocal   bool      `json:"contains_local"`
	SmallestSubtree bool      `json:"smallest_subtree"`
}
