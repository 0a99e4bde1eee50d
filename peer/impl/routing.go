package impl

import (
	"bytes"
	"math/big"
	"sort"
	"sync"

	"github.com/dhtworks/kademlia/types"
)

/* ========== RoutingTable ========== */

// PingFunc probes a contact for liveness, blocking up to the RPC timeout.
// It is called outside the table lock.
type PingFunc func(types.Contact) bool

// RoutingTable is a binary tree of k-buckets covering the whole identifier
// space. It starts as a single bucket over [0, 2^160) and splits along the
// path toward the local identifier: only a full bucket whose range contains
// the local identifier splits, every other full bucket resolves the insert
// with an eviction challenge against its least-recently seen contact.
type RoutingTable struct {
	mu      sync.Mutex
	me      types.Contact
	k       int
	buckets []*kBucket // ordered by range, ascending
	pingFn  PingFunc
}

// NewRoutingTable returns a table for the given local contact.
func NewRoutingTable(me types.Contact, k int) *RoutingTable {
	low := big.NewInt(0)
	high := new(big.Int).Lsh(big.NewInt(1), types.IDBits)
	return &RoutingTable{
		me:      me,
		k:       k,
		buckets: []*kBucket{newKBucket(low, high, k)},
	}
}

// SetPingFunc wires the liveness probe used by the eviction policy.
func (rt *RoutingTable) SetPingFunc(pf PingFunc) {
	rt.mu.Lock()
	rt.pingFn = pf
	rt.mu.Unlock()
}

// bucketIndex returns the index of the bucket whose range contains id.
// Must be called with the lock held.
func (rt *RoutingTable) bucketIndex(id types.ID) int {
	v := id.BigInt()
	// ranges partition the space, so the first bucket with high > v holds id
	return sort.Search(len(rt.buckets), func(i int) bool {
		return rt.buckets[i].high.Cmp(v) > 0
	})
}

// Observe inserts or refreshes a contact. It never blocks: a full non-local
// bucket triggers at most one asynchronous eviction challenge, and newcomers
// that cannot be placed are remembered in the bucket's replacement cache.
func (rt *RoutingTable) Observe(contact types.Contact) {
	if contact.Addr == "" || contact.ID.Equals(rt.me.ID) {
		return
	}

	rt.mu.Lock()
	for {
		idx := rt.bucketIndex(contact.ID)
		b := rt.buckets[idx]

		if e := b.element(contact.ID); e != nil {
			b.contacts.MoveToBack(e)
			rt.mu.Unlock()
			return
		}

		if b.len() < rt.k {
			b.contacts.PushBack(contact)
			rt.mu.Unlock()
			return
		}

		if b.inRange(rt.me.ID) && b.splittable() {
			lower, upper := b.split()
			rt.buckets = append(rt.buckets[:idx],
				append([]*kBucket{lower, upper}, rt.buckets[idx+1:]...)...)
			continue
		}

		if b.challenging {
			b.remember(contact)
			rt.mu.Unlock()
			return
		}

		head, ok := b.head()
		if !ok {
			rt.mu.Unlock()
			return
		}
		b.challenging = true
		pf := rt.pingFn
		rt.mu.Unlock()

		go rt.challenge(head, contact, pf)
		return
	}
}

// challenge pings the least-recently seen contact of a full bucket. A live
// head keeps its slot (refreshed) and the newcomer goes to the replacement
// cache; an unresponsive head is evicted and the newcomer appended.
func (rt *RoutingTable) challenge(head, newcomer types.Contact, pf PingFunc) {
	alive := pf != nil && pf(head)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	// head and newcomer share a range, and non-local buckets never split,
	// so this is still the challenged bucket
	b := rt.buckets[rt.bucketIndex(head.ID)]
	b.challenging = false

	if alive {
		if e := b.element(head.ID); e != nil {
			b.contacts.MoveToBack(e)
		}
		b.remember(newcomer)
		return
	}

	if e := b.element(head.ID); e != nil {
		b.contacts.Remove(e)
	}
	if b.element(newcomer.ID) == nil && b.len() < rt.k {
		b.contacts.PushBack(newcomer)
	} else {
		b.remember(newcomer)
	}
}

// Remove forgets a contact, rotating in the freshest replacement the bucket
// has seen, if any.
func (rt *RoutingTable) Remove(id types.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	e := b.element(id)
	if e == nil {
		return
	}
	b.contacts.Remove(e)

	if replacement, ok := b.takeReplacement(); ok {
		b.contacts.PushBack(replacement)
	}
}

// ClosestTo returns up to n contacts ordered by ascending XOR distance to
// target. Ties cannot occur between distinct identifiers; equal-identifier
// ordering falls back to the identifier itself to keep the sort total.
func (rt *RoutingTable) ClosestTo(target types.ID, n int) []types.Contact {
	rt.mu.Lock()
	candidates := make([]types.Contact, 0, rt.k)
	for _, b := range rt.buckets {
		candidates = append(candidates, b.slice()...)
	}
	rt.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := candidates[i].ID.Distance(target)
		dj := candidates[j].ID.Distance(target)
		if di == dj {
			return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
		}
		return di.Less(dj)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// Size returns the total number of contacts across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	total := 0
	for _, b := range rt.buckets {
		total += b.len()
	}
	return total
}

// Contains reports whether the table holds a contact with the given
// identifier.
func (rt *RoutingTable) Contains(id types.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.buckets[rt.bucketIndex(id)].element(id) != nil
}
