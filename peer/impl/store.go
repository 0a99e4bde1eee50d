package impl

import (
	"sync"

	"github.com/dhtworks/kademlia/types"
)

/* ========== ValueStore ========== */

// ValueStore is the thread-safe key/value store of a node, keyed by the
// hashed key identifier. Last write wins.
type ValueStore struct {
	sync.Mutex
	values map[types.ID][]byte
}

// NewValueStore returns an empty store.
func NewValueStore() *ValueStore {
	return &ValueStore{values: make(map[types.ID][]byte)}
}

// Set stores a copy of value under key.
func (s *ValueStore) Set(key types.ID, value []byte) {
	s.Lock()
	defer s.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.values[key] = v
}

// Get returns a copy of the value under key, if any.
func (s *ValueStore) Get(key types.ID) ([]byte, bool) {
	s.Lock()
	defer s.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Len returns the number of stored pairs.
func (s *ValueStore) Len() int {
	s.Lock()
	defer s.Unlock()

	return len(s.values)
}
