package impl

import (
	"container/list"
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dhtworks/kademlia/types"
)

/* ========== kBucket ========== */

// kBucket owns the half-open identifier range [low, high). Contacts are kept
// least-recently seen at the front and most-recently seen at the back.
// Contacts a full bucket cannot take are remembered in a bounded replacement
// cache and rotated in when a live contact is removed.
type kBucket struct {
	low, high *big.Int
	k         int

	contacts     *list.List // of types.Contact
	replacements *lru.Cache[types.ID, types.Contact]

	// at most one eviction challenge per bucket may be in flight
	challenging bool
}

func newKBucket(low, high *big.Int, k int) *kBucket {
	// lru.New only fails for sizes < 1
	replacements, _ := lru.New[types.ID, types.Contact](k)
	return &kBucket{
		low:          low,
		high:         high,
		k:            k,
		contacts:     list.New(),
		replacements: replacements,
	}
}

// inRange reports whether id lies in [low, high).
func (b *kBucket) inRange(id types.ID) bool {
	v := id.BigInt()
	return b.low.Cmp(v) <= 0 && v.Cmp(b.high) < 0
}

func (b *kBucket) len() int {
	return b.contacts.Len()
}

// element returns the list element holding the contact with the given
// identifier, or nil.
func (b *kBucket) element(id types.ID) *list.Element {
	for e := b.contacts.Front(); e != nil; e = e.Next() {
		if e.Value.(types.Contact).ID.Equals(id) {
			return e
		}
	}
	return nil
}

// head returns the least-recently seen contact.
func (b *kBucket) head() (types.Contact, bool) {
	e := b.contacts.Front()
	if e == nil {
		return types.Contact{}, false
	}
	return e.Value.(types.Contact), true
}

// remember puts a contact the bucket could not take into the replacement
// cache, most-recent preferred.
func (b *kBucket) remember(contact types.Contact) {
	b.replacements.Add(contact.ID, contact)
}

// takeReplacement removes and returns the most recently remembered contact.
func (b *kBucket) takeReplacement() (types.Contact, bool) {
	keys := b.replacements.Keys()
	if len(keys) == 0 {
		return types.Contact{}, false
	}
	newest := keys[len(keys)-1]
	contact, _ := b.replacements.Peek(newest)
	b.replacements.Remove(newest)
	return contact, true
}

// splittable reports whether the range can still be halved.
func (b *kBucket) splittable() bool {
	width := new(big.Int).Sub(b.high, b.low)
	return width.Cmp(big.NewInt(1)) > 0
}

// split halves the range at its midpoint and redistributes contacts and
// replacement-cache entries, preserving their recency order.
func (b *kBucket) split() (*kBucket, *kBucket) {
	mid := new(big.Int).Add(b.low, b.high)
	mid.Rsh(mid, 1)

	lower := newKBucket(b.low, mid, b.k)
	upper := newKBucket(mid, b.high, b.k)

	for e := b.contacts.Front(); e != nil; e = e.Next() {
		contact := e.Value.(types.Contact)
		if lower.inRange(contact.ID) {
			lower.contacts.PushBack(contact)
		} else {
			upper.contacts.PushBack(contact)
		}
	}

	// Keys() is ordered oldest to newest, so insertion order carries over
	for _, id := range b.replacements.Keys() {
		contact, _ := b.replacements.Peek(id)
		if lower.inRange(contact.ID) {
			lower.replacements.Add(id, contact)
		} else {
			upper.replacements.Add(id, contact)
		}
	}

	return lower, upper
}

// slice returns the contacts front to back.
func (b *kBucket) slice() []types.Contact {
	out := make([]types.Contact, 0, b.contacts.Len())
	for e := b.contacts.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(types.Contact))
	}
	return out
}
