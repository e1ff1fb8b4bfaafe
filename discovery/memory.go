package discovery

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored. Useful for tests and
// for setups where every server and client live in one process.
type MemoryRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]Endpoint
	watchers  map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		endpoints: make(map[string][]Endpoint),
		watchers:  make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, endpoint Endpoint, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[serviceName]
	for i, ep := range eps {
		if ep.Addr == endpoint.Addr {
			eps[i] = endpoint
			m.notify(serviceName)
			return nil
		}
	}
	m.endpoints[serviceName] = append(eps, endpoint)
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[serviceName]
	for i, ep := range eps {
		if ep.Addr == addr {
			m.endpoints[serviceName] = append(eps[:i:i], eps[i+1:]...)
			m.notify(serviceName)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Endpoint(nil), m.endpoints[serviceName]...), nil
}

// Watch delivers the latest list on every change; a slow reader only sees the
// most recent one.
func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				m.watchers[serviceName] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must hold m.mu.
func (m *MemoryRegistry) notify(serviceName string) {
	snapshot := append([]Endpoint(nil), m.endpoints[serviceName]...)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
