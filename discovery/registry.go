// Package discovery lets servers announce the endpoint they listen on and lets
// clients find one.
package discovery

import "context"

// Endpoint is one announced server address.
type Endpoint struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]Endpoint, error)
	Watch(ctx context.Context, serviceName string) <-chan []Endpoint
}
