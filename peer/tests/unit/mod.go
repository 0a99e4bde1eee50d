package unit

import (
	"github.com/dhtworks/kademlia/peer"
	"github.com/dhtworks/kademlia/peer/impl"
)

// peerFac is the factory used by every test in this package.
var peerFac peer.Factory = impl.NewPeer
