package impl

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/dhtworks/kademlia/peer"
	"github.com/dhtworks/kademlia/transport"
	"github.com/dhtworks/kademlia/types"
)

// NewPeer creates a new Kademlia node bound to the configured socket. The
// node does not process datagrams until Start is called.
func NewPeer(conf peer.Configuration) peer.DHT {
	if conf.K == 0 {
		conf.K = peer.K
	}
	if conf.Alpha == 0 {
		conf.Alpha = peer.Alpha
	}
	if conf.RequestTimeout == 0 {
		conf.RequestTimeout = peer.DefaultRequestTimeout
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	if conf.ID == (types.ID{}) {
		conf.ID = types.RandomID()
	}

	me := types.Contact{ID: conf.ID, Addr: conf.Socket.GetAddress()}

	logger := log.With().Str("peer", me.Addr).Logger()
	if conf.Logger != nil {
		logger = *conf.Logger
	}

	n := &node{
		conf:          conf,
		me:            me,
		log:           logger,
		routingTable:  NewRoutingTable(me, conf.K),
		store:         NewValueStore(),
		stop:          make(chan struct{}),
		socketTimeout: time.Second * 1,
	}

	n.rpc = newRPCLayer(conf.Socket, conf.Clock, me.ID, conf.RequestTimeout,
		logger, n.routingTable.Observe)

	n.rpc.registerHandler(types.MethodPing, n.PingRequestExec)
	n.rpc.registerHandler(types.MethodStore, n.StoreRequestExec)
	n.rpc.registerHandler(types.MethodFindNode, n.FindNodeRequestExec)
	n.rpc.registerHandler(types.MethodFindValue, n.FindValueRequestExec)

	// Wire the LRU-eviction liveness probe through the same RPC path and
	// timeout as every other call.
	n.routingTable.SetPingFunc(func(c types.Contact) bool {
		_, _, err := n.pingRPC(c.Addr, &c.ID)
		return err == nil
	})

	return n
}

// node implements a Kademlia DHT peer
//
// - implements peer.DHT
type node struct {
	conf peer.Configuration
	me   types.Contact
	log  zerolog.Logger

	routingTable *RoutingTable
	store        *ValueStore
	rpc          *rpcLayer

	socketTimeout time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// Start implements peer.Service
func (n *node) Start() error {
	go func() { // recv loop
		for {
			select {
			case <-n.stop:
				return
			default:
				dg, err := n.conf.Socket.Recv(n.socketTimeout)
				if errors.Is(err, transport.TimeoutErr(0)) {
					continue
				}
				if errors.Is(err, transport.ErrClosed) {
					return
				}
				if err != nil {
					n.log.Error().Msgf("<[peer.Peer.Start] Recv error>: <%s>", err.Error())
					continue
				}

				go n.rpc.dispatch(dg)
			}
		}
	}()
	return nil
}

// Stop implements peer.Service. The socket is released, every pending call
// fails with the transport-closed error, and the receive loop exits.
func (n *node) Stop() error {
	n.stopOnce.Do(func() {
		close(n.stop)
		_ = n.conf.Socket.Close()
		n.rpc.close()
	})
	return nil
}

// ID implements peer.DHT
func (n *node) ID() types.ID {
	return n.me.ID
}

// GetAddr implements peer.DHT
func (n *node) GetAddr() string {
	return n.me.Addr
}

// Ping implements peer.DHT. The responder is learned through the usual
// response path; a mismatching identifier is still returned, flagged with
// ErrIdentifierMismatch.
func (n *node) Ping(addr string, expected *types.ID) (types.ID, error) {
	id, mismatch, err := n.pingRPC(addr, expected)
	if err != nil {
		return types.ID{}, err
	}
	if mismatch {
		return id, peer.ErrIdentifierMismatch
	}
	return id, nil
}

// FindNode implements peer.DHT
func (n *node) FindNode(target types.ID) []types.Contact {
	return n.lookupNodes(target)
}

// ClosestContacts implements peer.DHT
func (n *node) ClosestContacts(target types.ID, count int) []types.Contact {
	return n.routingTable.ClosestTo(target, count)
}

// Put implements peer.DHT. The pair is pushed to every contact the lookup
// returned; peers that fail or refuse simply do not count.
func (n *node) Put(key, value []byte) (int, error) {
	keyID := types.HashKey(key)

	contacts := n.lookupNodes(keyID)
	if len(contacts) == 0 {
		// alone in the network: keep the pair locally
		n.store.Set(keyID, value)
		return 1, nil
	}

	var stored int64
	g := new(errgroup.Group)
	for _, contact := range contacts {
		contact := contact
		g.Go(func() error {
			ok, err := n.storeRPC(contact, keyID, key, value)
			if err != nil {
				n.log.Debug().Str("peer", contact.Addr).
					Msgf("[kademlia.Put] store failed: %s", err.Error())
				return nil
			}
			if ok {
				atomic.AddInt64(&stored, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(stored), nil
}

// Get implements peer.DHT. The local store is checked first; on a remote
// hit the value is opportunistically cached at the closest responded
// contact that did not have it.
func (n *node) Get(key []byte) ([]byte, error) {
	keyID := types.HashKey(key)

	if value, ok := n.store.Get(keyID); ok {
		return value, nil
	}

	result := n.lookupValue(keyID)
	if result.Value == nil {
		return nil, peer.ErrNotFound
	}

	if result.Cache != nil {
		cache := *result.Cache
		go func() { // one-shot cache, failures are irrelevant
			if _, err := n.storeRPC(cache, keyID, key, result.Value); err != nil {
				n.log.Debug().Str("peer", cache.Addr).
					Msgf("[kademlia.Get] cache store failed: %s", err.Error())
			}
		}()
	}

	return result.Value, nil
}

// Bootstrap implements peer.DHT. Every seed is pinged so its identifier
// lands in the routing table, then a lookup for the local identifier fills
// the buckets around it.
func (n *node) Bootstrap(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}

	var reached int64
	g := new(errgroup.Group)
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			if _, err := n.Ping(seed, nil); err != nil {
				n.log.Warn().Str("seed", seed).
					Msgf("[kademlia.Bootstrap] seed unreachable: %s", err.Error())
				return nil
			}
			atomic.AddInt64(&reached, 1)
			return nil
		})
	}
	_ = g.Wait()

	if reached == 0 {
		return xerrors.Errorf("bootstrap: %w", peer.ErrNoPeers)
	}

	n.lookupNodes(n.me.ID)
	return nil
}
