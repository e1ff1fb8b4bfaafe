package client

import (
	"objrpc/protocol"
	"time"

	"go.uber.org/zap"
)

type options struct {
	logger      *zap.Logger
	keepAlive   time.Duration
	maxBodySize int
	dialTimeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		maxBodySize: protocol.DefaultMaxBodySize,
	}
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithKeepAlive sends heartbeat frames every interval while connected.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *options) { o.keepAlive = interval }
}

// WithMaxBodySize bounds request and response bodies. It should match the
// server's limit.
func WithMaxBodySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodySize = n
		}
	}
}

// WithDialTimeout bounds Connect on top of its context. Zero means no extra bound.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}
