// Package testing provides utilities to test a DHT node as a black box.
package testing

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dhtworks/kademlia/peer"
	"github.com/dhtworks/kademlia/transport"
	"github.com/dhtworks/kademlia/types"
)

// TestNode is a started node and its configuration.
type TestNode struct {
	peer.DHT

	Config peer.Configuration
}

// Option tweaks a node's configuration.
type Option func(*peer.Configuration)

// WithK overrides the bucket and result-set size.
func WithK(k int) Option {
	return func(c *peer.Configuration) { c.K = k }
}

// WithAlpha overrides the lookup concurrency.
func WithAlpha(alpha int) Option {
	return func(c *peer.Configuration) { c.Alpha = alpha }
}

// WithRequestTimeout overrides the per-RPC deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *peer.Configuration) { c.RequestTimeout = d }
}

// WithID pins the node identifier instead of a random one.
func WithID(id types.ID) Option {
	return func(c *peer.Configuration) { c.ID = id }
}

// WithClock injects a clock, usually a mock.
func WithClock(clk clock.Clock) Option {
	return func(c *peer.Configuration) { c.Clock = clk }
}

// NewTestNode creates and starts a node on the given transport.
func NewTestNode(t *testing.T, fac peer.Factory, trans transport.Transport,
	addr string, opts ...Option) TestNode {

	socket, err := trans.CreateSocket(addr)
	require.NoError(t, err)

	conf := peer.Configuration{Socket: socket}
	for _, opt := range opts {
		opt(&conf)
	}

	node := fac(conf)
	require.NoError(t, node.Start())

	return TestNode{DHT: node, Config: conf}
}
