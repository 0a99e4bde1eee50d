package impl

import (
	"github.com/dhtworks/kademlia/types"
)

// The four RPC handlers. The rpc layer has already observed the sender's
// contact when any of these run.

// PingRequestExec replies with the local identifier.
func (n *node) PingRequestExec(from types.Contact, payload []byte) ([]byte, error) {
	if _, err := types.UnmarshalPingRequest(payload); err != nil {
		return nil, err
	}
	return types.PingReply{ID: n.me.ID}.Marshal()
}

// FindNodeRequestExec returns the local k closest contacts to the requested
// target, leaving out the requester itself.
func (n *node) FindNodeRequestExec(from types.Contact, payload []byte) ([]byte, error) {
	req, err := types.UnmarshalFindNodeRequest(payload)
	if err != nil {
		return nil, err
	}

	contacts := n.closestExcluding(req.Target, from.ID)
	return types.FindNodeReply{Contacts: contacts}.Marshal()
}

// FindValueRequestExec returns the stored value for the requested key, or
// the local k closest contacts when the key is unknown. Never both.
func (n *node) FindValueRequestExec(from types.Contact, payload []byte) ([]byte, error) {
	req, err := types.UnmarshalFindValueRequest(payload)
	if err != nil {
		return nil, err
	}

	if value, ok := n.store.Get(req.Key); ok {
		return types.FindValueReply{Found: true, Value: value}.Marshal()
	}

	contacts := n.closestExcluding(req.Key, from.ID)
	return types.FindValueReply{Contacts: contacts}.Marshal()
}

// StoreRequestExec stores the pair after checking that the key identifier
// really is the hash of the key bytes. A mismatch is answered with false,
// not an error.
func (n *node) StoreRequestExec(from types.Contact, payload []byte) ([]byte, error) {
	req, err := types.UnmarshalStoreRequest(payload)
	if err != nil {
		return nil, err
	}

	if !types.HashKey(req.Key).Equals(req.KeyID) {
		n.log.Warn().Str("from", from.Addr).Str("key_id", req.KeyID.String()).
			Msg("[kademlia.StoreRequestExec] rejected store: key id does not hash the key bytes")
		return types.StoreReply{Stored: false}.Marshal()
	}

	n.store.Set(req.KeyID, req.Value)
	return types.StoreReply{Stored: true}.Marshal()
}

// closestExcluding is ClosestTo with one identifier filtered out.
func (n *node) closestExcluding(target, excluded types.ID) []types.Contact {
	candidates := n.routingTable.ClosestTo(target, n.conf.K+1)
	contacts := make([]types.Contact, 0, n.conf.K)
	for _, c := range candidates {
		if c.ID.Equals(excluded) {
			continue
		}
		contacts = append(contacts, c)
		if len(contacts) == n.conf.K {
			break
		}
	}
	return contacts
}
