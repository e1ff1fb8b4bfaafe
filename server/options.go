package server

import (
	"objrpc/discovery"
	"objrpc/protocol"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds a response write. A peer that stops reading is
// dropped after it instead of stalling Step for everyone else.
const DefaultWriteTimeout = 5 * time.Second

type options struct {
	bindAddr     string
	port         int
	maxBodySize  int
	writeTimeout time.Duration
	eventQueue   int
	logger       *zap.Logger

	// Discovery announcement, see WithDiscovery.
	discovery     discovery.Registry
	serviceName   string
	advertiseHost string
	weight        int
	ttl           int64

	metricsReg       prometheus.Registerer
	metricsNamespace string
}

func defaultOptions() options {
	return options{
		bindAddr:     "0.0.0.0",
		maxBodySize:  protocol.DefaultMaxBodySize,
		writeTimeout: DefaultWriteTimeout,
		eventQueue:   64,
		logger:       zap.NewNop(),
		weight:       1,
		ttl:          10,
	}
}

// Option configures a Server.
type Option func(*options)

// WithPort sets the TCP port to listen on. 0 (the default) lets the OS pick one;
// Port() reports it after Connect.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithBindAddress sets the IPv4 address to bind, "0.0.0.0" by default.
func WithBindAddress(addr string) Option {
	return func(o *options) { o.bindAddr = addr }
}

// WithMaxBodySize bounds request and response bodies. Larger request frames close
// the connection; larger results are answered with a call failure.
func WithMaxBodySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodySize = n
		}
	}
}

// WithWriteTimeout bounds how long a response write may block the loop, after
// which the connection is dropped. Zero waits indefinitely.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDiscovery announces the listening endpoint as serviceName on Connect and
// withdraws it on Disconnect. advertiseHost is the host clients should dial,
// e.g. "127.0.0.1", since the bind address is usually 0.0.0.0.
func WithDiscovery(reg discovery.Registry, serviceName, advertiseHost string) Option {
	return func(o *options) {
		o.discovery = reg
		o.serviceName = serviceName
		o.advertiseHost = advertiseHost
	}
}

// WithWeight sets the load balancing weight announced through discovery.
func WithWeight(weight int) Option {
	return func(o *options) { o.weight = weight }
}

// WithMetrics registers call counters, call durations and an open connection
// gauge with reg.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.metricsReg = reg
		o.metricsNamespace = namespace
	}
}
