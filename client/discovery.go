package client

import (
	"context"
	"fmt"
	"net"
	"objrpc/discovery"
	"objrpc/loadbalance"
	"strconv"
)

// DialService finds the endpoints announced for service, picks one with bal and
// returns a client connected to it.
func DialService(ctx context.Context, reg discovery.Registry, service string, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	endpoints, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", service, err)
	}
	ep, err := bal.Pick(endpoints)
	if err != nil {
		return nil, fmt.Errorf("client: pick %s endpoint with %s: %w", service, bal.Name(), err)
	}

	host, portStr, err := net.SplitHostPort(ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: endpoint %q: %w", ep.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("client: endpoint %q: %w", ep.Addr, err)
	}

	c := NewClient(host, port, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
