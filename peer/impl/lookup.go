package impl

import (
	"sort"

	"github.com/rs/xid"

	"github.com/dhtworks/kademlia/types"
)

/* ========== shortlist ========== */

type candidateStatus uint8

const (
	statusUnqueried candidateStatus = iota
	statusInFlight
	statusResponded
	statusFailed
)

type candidate struct {
	contact  types.Contact
	distance types.Distance
	status   candidateStatus
}

// shortlist is the working set of an iterative lookup: candidates in
// ascending XOR distance order to the target, deduplicated by identifier.
type shortlist struct {
	target  types.ID
	entries []*candidate
	byID    map[types.ID]*candidate
}

func newShortlist(target types.ID, seed []types.Contact) *shortlist {
	sl := &shortlist{
		target: target,
		byID:   make(map[types.ID]*candidate),
	}
	for _, c := range seed {
		sl.add(c)
	}
	return sl
}

// add inserts a contact at its sorted position. It reports whether the
// contact was new to the shortlist.
func (sl *shortlist) add(contact types.Contact) bool {
	if _, seen := sl.byID[contact.ID]; seen {
		return false
	}

	cand := &candidate{
		contact:  contact,
		distance: contact.ID.Distance(sl.target),
	}
	pos := sort.Search(len(sl.entries), func(i int) bool {
		return cand.distance.Less(sl.entries[i].distance)
	})
	sl.entries = append(sl.entries, nil)
	copy(sl.entries[pos+1:], sl.entries[pos:])
	sl.entries[pos] = cand
	sl.byID[contact.ID] = cand
	return true
}

// pickUnqueried returns up to alpha unqueried candidates among the k
// currently closest. An empty batch means every one of the k closest has
// already settled as responded or failed.
func (sl *shortlist) pickUnqueried(alpha, k int) []*candidate {
	batch := make([]*candidate, 0, alpha)
	for i := 0; i < len(sl.entries) && i < k; i++ {
		if sl.entries[i].status != statusUnqueried {
			continue
		}
		batch = append(batch, sl.entries[i])
		if len(batch) == alpha {
			break
		}
	}
	return batch
}

// bestResponded returns the distance of the closest responded candidate.
func (sl *shortlist) bestResponded() (types.Distance, bool) {
	for _, cand := range sl.entries {
		if cand.status == statusResponded {
			return cand.distance, true
		}
	}
	return types.Distance{}, false
}

// responded returns the k closest responded contacts, ascending by
// distance.
func (sl *shortlist) responded(k int) []types.Contact {
	out := make([]types.Contact, 0, k)
	for _, cand := range sl.entries {
		if cand.status != statusResponded {
			continue
		}
		out = append(out, cand.contact)
		if len(out) == k {
			break
		}
	}
	return out
}

// closestRespondedExcept returns the closest responded candidate other than
// the given one.
func (sl *shortlist) closestRespondedExcept(except *candidate) *types.Contact {
	for _, cand := range sl.entries {
		if cand.status != statusResponded || cand == except {
			continue
		}
		contact := cand.contact
		return &contact
	}
	return nil
}

/* ========== iterative lookups ========== */

// lookupResult is the outcome of one iterative lookup. For a value lookup
// that hit, Value is set and Cache names the closest responded contact that
// did not have the value. Contacts carries the k closest responded peers
// otherwise.
type lookupResult struct {
	Value    []byte
	Cache    *types.Contact
	Contacts []types.Contact
}

// lookupNodes finds the k closest responding contacts to target.
func (n *node) lookupNodes(target types.ID) []types.Contact {
	return n.lookup(target, false).Contacts
}

// lookupValue finds the value stored under key, or the k closest responding
// contacts to it.
func (n *node) lookupValue(key types.ID) lookupResult {
	return n.lookup(key, true)
}

// lookup drives rounds of up to alpha concurrent queries against the
// closest unqueried candidates. Rounds continue until a full round brings
// nothing strictly closer than the closest responded candidate, or until
// the k closest candidates have all settled. Failed candidates are never
// re-queried and are forgotten from the routing table.
func (n *node) lookup(target types.ID, valLookup bool) lookupResult {
	kind := "node"
	if valLookup {
		kind = "value"
	}
	lookupsRun.WithLabelValues(kind).Inc()

	trace := xid.New().String()
	sl := newShortlist(target, n.routingTable.ClosestTo(target, n.conf.K))

	type queryResult struct {
		cand  *candidate
		reply types.FindValueReply
		err   error
	}

	for round := 0; ; round++ {
		batch := sl.pickUnqueried(n.conf.Alpha, n.conf.K)
		if len(batch) == 0 {
			break
		}
		bestBefore, haveBest := sl.bestResponded()

		results := make(chan queryResult, len(batch))
		for _, cand := range batch {
			cand.status = statusInFlight
			go func(cand *candidate) {
				if valLookup {
					reply, err := n.findValueRPC(cand.contact, target)
					results <- queryResult{cand: cand, reply: reply, err: err}
					return
				}
				contacts, err := n.findNodeRPC(cand.contact, target)
				results <- queryResult{cand: cand, reply: types.FindValueReply{Contacts: contacts}, err: err}
			}(cand)
		}

		improved := false
		for i := 0; i < len(batch); i++ {
			res := <-results

			if res.err != nil {
				res.cand.status = statusFailed
				n.routingTable.Remove(res.cand.contact.ID)
				n.log.Debug().Str("lookup", trace).Str("peer", res.cand.contact.Addr).
					Msgf("[kademlia.lookup] candidate failed: %s", res.err.Error())
				continue
			}
			res.cand.status = statusResponded

			if valLookup && res.reply.Found {
				n.log.Debug().Str("lookup", trace).Int("rounds", round+1).
					Str("peer", res.cand.contact.Addr).Msg("[kademlia.lookup] value found")
				return lookupResult{
					Value: res.reply.Value,
					Cache: sl.closestRespondedExcept(res.cand),
				}
			}

			for _, contact := range res.reply.Contacts {
				if contact.ID.Equals(n.me.ID) {
					continue
				}
				if sl.add(contact) {
					if !haveBest || contact.ID.Distance(target).Less(bestBefore) {
						improved = true
					}
				}
			}
		}

		if haveBest && !improved {
			break
		}
	}

	contacts := sl.responded(n.conf.K)
	n.log.Debug().Str("lookup", trace).Str("kind", kind).Int("responded", len(contacts)).
		Msg("[kademlia.lookup] converged")
	return lookupResult{Contacts: contacts}
}

/* ========== RPC clients ========== */

// findNodeRPC asks one peer for its closest contacts to target.
func (n *node) findNodeRPC(peer types.Contact, target types.ID) ([]types.Contact, error) {
	payload, err := types.FindNodeRequest{Target: target}.Marshal()
	if err != nil {
		return nil, err
	}
	env, _, err := n.rpc.call(peer.Addr, types.MethodFindNode, payload, &peer.ID, 0)
	if err != nil {
		return nil, err
	}
	reply, err := types.UnmarshalFindNodeReply(env.Payload)
	if err != nil {
		return nil, err
	}
	return reply.Contacts, nil
}

// findValueRPC asks one peer for the value under key, or its closest
// contacts to it.
func (n *node) findValueRPC(peer types.Contact, key types.ID) (types.FindValueReply, error) {
	payload, err := types.FindValueRequest{Key: key}.Marshal()
	if err != nil {
		return types.FindValueReply{}, err
	}
	env, _, err := n.rpc.call(peer.Addr, types.MethodFindValue, payload, &peer.ID, 0)
	if err != nil {
		return types.FindValueReply{}, err
	}
	return types.UnmarshalFindValueReply(env.Payload)
}

// storeRPC pushes a key/value pair to one peer and reports whether the peer
// accepted it.
func (n *node) storeRPC(peer types.Contact, keyID types.ID, key, value []byte) (bool, error) {
	payload, err := types.StoreRequest{KeyID: keyID, Key: key, Value: value}.Marshal()
	if err != nil {
		return false, err
	}
	env, _, err := n.rpc.call(peer.Addr, types.MethodStore, payload, &peer.ID, 0)
	if err != nil {
		return false, err
	}
	reply, err := types.UnmarshalStoreReply(env.Payload)
	if err != nil {
		return false, err
	}
	return reply.Stored, nil
}

// pingRPC pings an address and returns the responder's identifier together
// with the mismatch flag against expect.
func (n *node) pingRPC(addr string, expect *types.ID) (types.ID, bool, error) {
	payload, err := types.PingRequest{}.Marshal()
	if err != nil {
		return types.ID{}, false, err
	}
	env, mismatch, err := n.rpc.call(addr, types.MethodPing, payload, expect, 0)
	if err != nil {
		return types.ID{}, false, err
	}
	reply, err := types.UnmarshalPingReply(env.Payload)
	if err != nil {
		return types.ID{}, false, err
	}
	return reply.ID, mismatch, nil
}
