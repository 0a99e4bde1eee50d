package impl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are package-level so that several nodes in one process share
// them; the node's listen address is deliberately not a label to keep
// cardinality bounded.
var (
	rpcSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kademlia",
		Subsystem: "rpc",
		Name:      "sent_total",
		Help:      "Outbound RPC requests, by method.",
	}, []string{"method"})

	rpcServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kademlia",
		Subsystem: "rpc",
		Name:      "served_total",
		Help:      "Inbound RPC requests a handler answered without error, by method.",
	}, []string{"method"})

	rpcTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kademlia",
		Subsystem: "rpc",
		Name:      "timeouts_total",
		Help:      "Outbound RPC requests that expired without a reply, by method.",
	}, []string{"method"})

	rpcDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kademlia",
		Subsystem: "rpc",
		Name:      "dropped_total",
		Help:      "Inbound datagrams dropped as malformed, spurious or late.",
	})

	lookupsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kademlia",
		Subsystem: "lookup",
		Name:      "runs_total",
		Help:      "Iterative lookups started, by kind (node or value).",
	}, []string{"kind"})
)
