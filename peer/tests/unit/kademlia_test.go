package unit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	z "github.com/dhtworks/kademlia/internal/testing"
	"github.com/dhtworks/kademlia/peer"
	"github.com/dhtworks/kademlia/transport"
	"github.com/dhtworks/kademlia/transport/channel"
	"github.com/dhtworks/kademlia/types"
)

const testTimeout = 300 * time.Millisecond

// a lone node keeps the pair locally and finds it again without the network
func Test_KADEMLIA_PutGetSingleNode(t *testing.T) {
	transp := channel.NewTransport()

	node1 := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer node1.Stop()

	count, err := node1.Put([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	require.Equal(t, 1, count)

	value, err := node1.Get([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("world"), value)
}

// get on a missing key is a user-visible not-found, not a failure
func Test_KADEMLIA_GetNotFound(t *testing.T) {
	transp := channel.NewTransport()

	node1 := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer node1.Stop()

	_, err := node1.Get([]byte("missing"))
	require.ErrorIs(t, err, peer.ErrNotFound)
}

// after a bootstrap both sides know each other, and values flow across
func Test_KADEMLIA_BootstrapAndFetch(t *testing.T) {
	transp := channel.NewTransport()

	nodeB := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeB.Stop()

	count, err := nodeB.Put([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	require.Equal(t, 1, count)

	nodeA := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeA.Stop()

	require.NoError(t, nodeA.Bootstrap([]string{nodeB.GetAddr()}))

	value, err := nodeA.Get([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("world"), value)

	// B learned A from the bootstrap traffic
	require.Eventually(t, func() bool {
		contacts := nodeB.ClosestContacts(nodeA.ID(), 1)
		return len(contacts) == 1 && contacts[0].ID.Equals(nodeA.ID())
	}, time.Second, 10*time.Millisecond)
}

// put replicates to the closest peers and reports how many accepted
func Test_KADEMLIA_PutReplicates(t *testing.T) {
	transp := channel.NewTransport()

	nodeA := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeA.Stop()
	nodeB := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeB.Stop()
	nodeC := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeC.Stop()

	require.NoError(t, nodeB.Bootstrap([]string{nodeA.GetAddr()}))
	require.NoError(t, nodeC.Bootstrap([]string{nodeA.GetAddr()}))

	count, err := nodeA.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// both peers hold the pair now and answer from their local store
	valueB, err := nodeB.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), valueB)

	valueC, err := nodeC.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), valueC)
}

// ping returns the peer's identifier and records the contact
func Test_KADEMLIA_Ping(t *testing.T) {
	transp := channel.NewTransport()

	nodeA := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeA.Stop()
	nodeB := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeB.Stop()

	expected := nodeB.ID()
	id, err := nodeA.Ping(nodeB.GetAddr(), &expected)
	require.NoError(t, err)
	require.True(t, expected.Equals(id))

	contacts := nodeA.ClosestContacts(expected, 1)
	require.Len(t, contacts, 1)
	require.True(t, expected.Equals(contacts[0].ID))
}

// pinging a dead address times out after the configured deadline and leaves
// the table untouched
func Test_KADEMLIA_PingTimeout(t *testing.T) {
	transp := channel.NewTransport()

	nodeA := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeA.Stop()

	start := time.Now()
	_, err := nodeA.Ping("127.0.0.1:9999", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, transport.TimeoutErr(0)))
	require.GreaterOrEqual(t, time.Since(start), testTimeout)

	require.Empty(t, nodeA.ClosestContacts(nodeA.ID(), 10))
}

// an expected identifier that does not match the responder is flagged, but
// the reply still comes through
func Test_KADEMLIA_PingMismatch(t *testing.T) {
	transp := channel.NewTransport()

	nodeA := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeA.Stop()
	nodeB := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout))
	defer nodeB.Stop()

	wrong := types.RandomID()
	id, err := nodeA.Ping(nodeB.GetAddr(), &wrong)
	require.ErrorIs(t, err, peer.ErrIdentifierMismatch)
	require.True(t, nodeB.ID().Equals(id))
}

// a full non-local bucket with a dead head evicts it after the challenge
// ping times out and appends the newcomer
func Test_KADEMLIA_EvictionChallenge(t *testing.T) {
	transp := channel.NewTransport()

	var local types.ID // all zeroes: every 0x80-prefixed id shares a bucket
	farID := func(b byte) types.ID {
		var id types.ID
		id[0] = b
		return id
	}

	nodeA := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout), z.WithK(2), z.WithID(local))
	defer nodeA.Stop()

	nodeX := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout), z.WithID(farID(0x80)))
	nodeY := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout), z.WithID(farID(0x90)))
	defer nodeY.Stop()

	_, err := nodeA.Ping(nodeX.GetAddr(), nil)
	require.NoError(t, err)
	_, err = nodeA.Ping(nodeY.GetAddr(), nil)
	require.NoError(t, err)

	// the head of the far bucket stops answering
	nodeX.Stop()

	nodeZ := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(testTimeout), z.WithID(farID(0xa0)))
	defer nodeZ.Stop()

	_, err = nodeZ.Ping(nodeA.GetAddr(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		contacts := nodeA.ClosestContacts(nodeZ.ID(), 10)
		for _, c := range contacts {
			if c.ID.Equals(nodeZ.ID()) {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	for _, c := range nodeA.ClosestContacts(nodeZ.ID(), 10) {
		require.False(t, c.ID.Equals(nodeX.ID()))
	}
}

// one publisher, many readers: everyone can fetch through the overlay
func Test_KADEMLIA_ManyNodes(t *testing.T) {
	transp := channel.NewTransport()
	numNodes := 10

	nodes := make([]z.TestNode, numNodes)
	for i := range nodes {
		node := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
			z.WithRequestTimeout(testTimeout))
		defer node.Stop()
		nodes[i] = node
	}

	for i := 1; i < numNodes; i++ {
		require.NoError(t, nodes[i].Bootstrap([]string{nodes[0].GetAddr()}))
	}

	count, err := nodes[0].Put([]byte("key1"), []byte("val1"))
	require.NoError(t, err)
	require.Greater(t, count, 0)

	for i := range nodes {
		value, err := nodes[i].Get([]byte("key1"))
		require.NoError(t, err)
		require.Equal(t, []byte("val1"), value)
	}
}

// stopping a node fails its pending calls instead of leaving them hanging
func Test_KADEMLIA_StopFailsPending(t *testing.T) {
	transp := channel.NewTransport()

	nodeA := z.NewTestNode(t, peerFac, transp, "127.0.0.1:0",
		z.WithRequestTimeout(10*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := nodeA.Ping("127.0.0.1:9999", nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, nodeA.Stop())

	select {
	case err := <-done:
		require.True(t, errors.Is(err, transport.ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("pending ping survived the shutdown")
	}
}
