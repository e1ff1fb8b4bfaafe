package loadbalance

import (
	"fmt"
	"hash/crc32"
	"objrpc/discovery"
	"sort"
	"sync"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring.
// The same key always maps to the same endpoint (until the ring changes), so a
// caller keeps reaching the server that holds its object state.
//
// Each real endpoint is placed on the ring as N virtual nodes so a handful of
// endpoints still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                            // Virtual nodes per real endpoint
	ring     []uint32                       // Sorted hash values on the ring
	nodes    map[uint32]*discovery.Endpoint // Hash value → endpoint mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Endpoint),
	}
}

// Add places an endpoint onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(endpoint *discovery.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(endpoint)
}

func (b *ConsistentHashBalancer) add(endpoint *discovery.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", endpoint.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = endpoint
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Reset replaces the ring contents with endpoints.
func (b *ConsistentHashBalancer) Reset(endpoints []discovery.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset(endpoints)
}

func (b *ConsistentHashBalancer) reset(endpoints []discovery.Endpoint) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*discovery.Endpoint, len(endpoints)*b.replicas)
	for i := range endpoints {
		b.add(&endpoints[i])
	}
}

// PickKey finds the endpoint responsible for key: the first virtual node at or
// after the key's hash, wrapping around to the start of the ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*discovery.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) lookup(key string) (*discovery.Endpoint, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// PickFrom rebuilds the ring from endpoints and returns the owner of key. The
// rebuild and the lookup happen under one lock, so concurrent callers with
// different endpoint lists never see each other's ring.
func (b *ConsistentHashBalancer) PickFrom(endpoints []discovery.Endpoint, key string) (*discovery.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset(endpoints)
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// Keyed returns a Balancer that rebuilds the ring from the endpoints it is given
// and always picks the endpoint owning key.
func (b *ConsistentHashBalancer) Keyed(key string) Balancer {
	return &keyedBalancer{ring: b, key: key}
}

type keyedBalancer struct {
	ring *ConsistentHashBalancer
	key  string
}

func (k *keyedBalancer) Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return k.ring.PickFrom(endpoints, k.key)
}

func (k *keyedBalancer) Name() string {
	return k.ring.Name()
}
