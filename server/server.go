// Package server exposes one Go object to remote callers.
//
// The server is a single-threaded reactor driven by the caller:
//
//	Connect()                      bind + listen, start the accept goroutine
//	for svr.Step() { }             wait for events, then handle each one in order
//	Disconnect()                   stop listening; open connections drain
//	Close()                        release the listener and every connection
//
// Goroutines only read: one accepts, one per connection reads frames. Each of them
// posts an event to the server's queue. Decoding, dispatch into the target object
// and writing responses happen inside Step, on the caller's goroutine, so the
// target sees exactly one call at a time.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"objrpc/discovery"
	"objrpc/middleware"
	"objrpc/registry"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("server: closed")

// Server holds the method registry of the exposed object and the watch set:
// the listener plus every open connection.
type Server struct {
	registry    *registry.Registry
	opts        options
	logger      *zap.Logger
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	connGauge   prometheus.Gauge        // nil unless WithMetrics

	events    chan event
	done      chan struct{} // closed by Close
	closeOnce sync.Once

	mu         sync.Mutex
	listener   net.Listener
	port       int
	conns      map[*conn]struct{}
	advertised string // Address announced through discovery, "" if none
	closed     bool
}

// NewServer builds the registry from target's exported methods and returns an
// idle server.
func NewServer(target any, opts ...Option) (*Server, error) {
	reg, err := registry.New(target)
	if err != nil {
		return nil, err
	}
	return NewServerWithRegistry(reg, opts...)
}

// NewServerWithRegistry returns an idle server dispatching into reg, e.g. one
// built with registry.FromTable.
func NewServerWithRegistry(reg *registry.Registry, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, errors.New("server: nil registry")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	svr := &Server{
		registry: reg,
		opts:     o,
		logger:   o.logger.With(zap.String("object", reg.TypeName())),
		events:   make(chan event, o.eventQueue),
		done:     make(chan struct{}),
		port:     o.port,
		conns:    make(map[*conn]struct{}),
	}

	if o.metricsReg != nil {
		metrics, err := middleware.NewMetrics(o.metricsNamespace, o.metricsReg)
		if err != nil {
			return nil, fmt.Errorf("server: register metrics: %w", err)
		}
		svr.connGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: o.metricsNamespace,
			Name:      "open_connections",
			Help:      "Client connections currently in the watch set.",
		})
		if err := o.metricsReg.Register(svr.connGauge); err != nil {
			return nil, fmt.Errorf("server: register metrics: %w", err)
		}
		svr.middlewares = append(svr.middlewares, metrics.Middleware())
	}
	return svr, nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added; the chain is built on Connect.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Registry returns the immutable method table.
func (svr *Server) Registry() *registry.Registry {
	return svr.registry
}

// Connect binds and starts listening. Calling it while already listening is a
// no-op. With port 0 the OS-assigned port is available from Port() on return.
func (svr *Server) Connect() error {
	svr.mu.Lock()
	if svr.closed {
		svr.mu.Unlock()
		return ErrServerClosed
	}
	if svr.listener != nil {
		svr.mu.Unlock()
		return nil
	}

	addr := net.JoinHostPort(svr.opts.bindAddr, strconv.Itoa(svr.opts.port))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		svr.mu.Unlock()
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	svr.listener = ln
	svr.port = ln.Addr().(*net.TCPAddr).Port

	// Build the middleware chain once per Connect, not per request
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.mu.Unlock()

	svr.logger.Info("listening", zap.Stringer("addr", ln.Addr()))
	go svr.acceptLoop(ln)

	if err := svr.announce(); err != nil {
		svr.Disconnect()
		return err
	}
	return nil
}

func (svr *Server) announce() error {
	if svr.opts.discovery == nil {
		return nil
	}
	addr := net.JoinHostPort(svr.opts.advertiseHost, strconv.Itoa(svr.Port()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := svr.opts.discovery.Register(ctx, svr.opts.serviceName, discovery.Endpoint{
		Addr:   addr,
		Weight: svr.opts.weight,
	}, svr.opts.ttl)
	if err != nil {
		return fmt.Errorf("server: announce %s as %s: %w", addr, svr.opts.serviceName, err)
	}

	svr.mu.Lock()
	svr.advertised = addr
	svr.mu.Unlock()
	svr.logger.Info("announced", zap.String("service", svr.opts.serviceName), zap.String("addr", addr))
	return nil
}

// Port returns the bound port after Connect, the configured port before.
func (svr *Server) Port() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return svr.port
}

// Addr returns the listener address, or nil when not listening.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Disconnect stops listening and removes the listener from the watch set.
// Open connections are left alone; they leave the watch set when their peers
// hang up. A Step blocked in another goroutine is woken up.
func (svr *Server) Disconnect() error {
	svr.mu.Lock()
	ln := svr.listener
	svr.listener = nil
	advertised := svr.advertised
	svr.advertised = ""
	svr.mu.Unlock()

	if ln == nil {
		return nil
	}

	// Withdraw from discovery first so clients stop dialing this endpoint
	if advertised != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := svr.opts.discovery.Deregister(ctx, svr.opts.serviceName, advertised); err != nil {
			svr.logger.Warn("deregister failed", zap.String("addr", advertised), zap.Error(err))
		}
		cancel()
	}

	err := ln.Close()
	svr.logger.Info("stopped listening", zap.Stringer("addr", ln.Addr()))
	svr.wake()
	return err
}

// Close stops listening, closes every open connection and stops the reader
// goroutines. The server cannot be reconnected afterwards.
func (svr *Server) Close() error {
	err := svr.Disconnect()

	svr.mu.Lock()
	svr.closed = true
	conns := svr.conns
	svr.conns = make(map[*conn]struct{})
	svr.mu.Unlock()

	for c := range conns {
		c.close()
		if svr.connGauge != nil {
			svr.connGauge.Dec()
		}
	}
	svr.closeOnce.Do(func() { close(svr.done) })
	return err
}

// Serve connects and drives Step until nothing is left to watch or ctx is done.
// It returns ctx.Err() on cancellation; the caller still owns Close.
func (svr *Server) Serve(ctx context.Context) error {
	if err := svr.Connect(); err != nil {
		return err
	}
	for svr.StepContext(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// active reports whether anything is left in the watch set.
func (svr *Server) active() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return svr.listener != nil || len(svr.conns) > 0
}
