package peer

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/dhtworks/kademlia/transport"
	"github.com/dhtworks/kademlia/types"
)

// K is the max number of contacts stored in one k-bucket, and the size of a
// lookup result set.
const K = 20

// Alpha is the degree of parallelism for network calls made while finding
// the k closest nodes.
const Alpha = 3

// DefaultRequestTimeout is the deadline applied to a single RPC when the
// configuration does not override it.
const DefaultRequestTimeout = 5 * time.Second

// Errors surfaced by the public API.
var (
	// ErrNotFound is returned by Get when no peer holds the key. It is a
	// user-visible result, not a transport failure.
	ErrNotFound = errors.New("value not found")

	// ErrIdentifierMismatch is returned alongside a delivered reply when
	// the responder's identifier differs from the one the caller expected.
	ErrIdentifierMismatch = errors.New("responder identifier mismatch")

	// ErrNoPeers is returned by Bootstrap when none of the seed addresses
	// answered its ping.
	ErrNoPeers = errors.New("no peers available")
)

// Configuration holds everything a node needs to run. The zero value of
// optional fields is replaced by the defaults above.
type Configuration struct {
	// Socket is the bound datagram socket the node owns. Required.
	Socket transport.ClosableSocket

	// ID is the local node identifier. The zero value means "generate a
	// random one".
	ID types.ID

	// K and Alpha override the protocol constants; zero means default.
	K     int
	Alpha int

	// RequestTimeout is the per-RPC deadline; zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Clock drives RPC deadlines. Nil means the real clock; tests inject
	// a mock.
	Clock clock.Clock

	// Logger, when set, replaces the node's derived logger.
	Logger *zerolog.Logger
}

// Factory describes how to create a node.
type Factory func(Configuration) DHT

// Service describes the lifecycle functions of a node.
type Service interface {
	// Start launches the receive loop. It returns once the node is
	// accepting datagrams.
	Start() error

	// Stop closes the socket and fails every pending call. It is
	// idempotent.
	Stop() error
}

// DHT is the process surface of a Kademlia node.
type DHT interface {
	Service

	// ID returns the local node identifier.
	ID() types.ID

	// GetAddr returns the address the node's socket is bound to.
	GetAddr() string

	// Ping sends a PING to addr and returns the responder's identifier.
	// When expected is non-nil and the responder differs, the identifier
	// is still returned together with ErrIdentifierMismatch.
	Ping(addr string, expected *types.ID) (types.ID, error)

	// Put stores the pair on the K nodes closest to the hashed key and
	// returns how many of them acknowledged. With no reachable peers the
	// pair is stored locally and the count is 1.
	Put(key, value []byte) (int, error)

	// Get fetches the value for key, looking locally first. It returns
	// ErrNotFound when no peer holds it.
	Get(key []byte) ([]byte, error)

	// Bootstrap pings the seed addresses then performs a lookup for the
	// local identifier to populate the routing table.
	Bootstrap(seeds []string) error

	// FindNode performs an iterative lookup and returns up to K contacts
	// closest to target that responded.
	FindNode(target types.ID) []types.Contact

	// ClosestContacts returns this node's local view of the n closest
	// contacts to target, without any network calls.
	ClosestContacts(target types.ID, n int) []types.Contact
}
