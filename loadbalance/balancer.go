// Package loadbalance picks one endpoint out of those a discovery registry returns.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - ConsistentHash:  stateful exposed objects where a caller must keep
//     hitting the same server
package loadbalance

import (
	"errors"
	"objrpc/discovery"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer is the interface for load balancing strategies.
// A client calls Pick() before dialing to select a target endpoint.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Must be goroutine-safe.
	Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
