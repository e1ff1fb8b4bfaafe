// Package client calls methods of an object exposed by an objrpc server.
//
// A Client is a generic proxy: it knows nothing about the remote object and turns
// any method name plus arguments into one request/response round trip.
//
//	cli := client.NewClient("127.0.0.1", 9000)
//	if err := cli.Connect(ctx); err != nil { ... }
//	defer cli.Close()
//
//	var n int
//	err := cli.Call(ctx, "Incr", &n, 5)
//
// Calls are sequential. The client never reconnects and never retries on its own.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"objrpc/message"
	"objrpc/transport"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

type Client struct {
	addr   string
	opts   options
	logger *zap.Logger

	mu sync.Mutex
	tr *transport.ClientTransport // nil while disconnected
}

// NewClient returns a disconnected client for the server at host:port.
func NewClient(host string, port int, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return &Client{
		addr:   addr,
		opts:   o,
		logger: o.logger.With(zap.String("server", addr)),
	}
}

// Addr returns the server address the client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Connect opens the connection. It is a no-op while a healthy connection is
// open, and replaces a broken one.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tr != nil {
		if c.tr.Err() == nil {
			return nil
		}
		c.tr.Close()
		c.tr = nil
	}

	if c.opts.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.dialTimeout)
		defer cancel()
	}
	tr, err := transport.Dial(ctx, c.addr,
		transport.WithMaxBodySize(c.opts.maxBodySize),
		transport.WithHeartbeat(c.opts.keepAlive),
		transport.WithLogger(c.logger),
	)
	if err != nil {
		return &TransportError{Op: "dial", Addr: c.addr, Err: err}
	}
	c.tr = tr
	c.logger.Info("connected", zap.Stringer("local", tr.Conn().LocalAddr()))
	return nil
}

// Disconnect closes the connection. Calling it while disconnected is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr == nil {
		return nil
	}
	c.logger.Debug("disconnected")
	return tr.Close()
}

// Close is Disconnect, so a Client can be released with defer.
func (c *Client) Close() error {
	return c.Disconnect()
}

func (c *Client) current() (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return nil, ErrNotConnected
	}
	return c.tr, nil
}

// Invoke calls method with positional args and keyword kwargs and returns the
// JSON encoded result.
//
// A failure reported by the server is an *Error; anything that prevented a reply
// is a *TransportError and leaves the connection broken.
func (c *Client) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	tr, err := c.current()
	if err != nil {
		return nil, err
	}
	req, err := message.NewRequest(method, args, kwargs)
	if err != nil {
		return nil, err
	}

	resp, err := tr.RoundTrip(ctx, req)
	if err != nil {
		return nil, &TransportError{Op: "call", Addr: c.addr, Err: err}
	}
	if !resp.Success {
		return nil, &Error{Method: method, Status: resp.Status, Message: resp.Error}
	}
	return resp.Payload, nil
}

// Call invokes method with positional args and decodes the result into reply.
// A nil reply discards the result.
func (c *Client) Call(ctx context.Context, method string, reply any, args ...any) error {
	return c.CallKw(ctx, method, reply, args, nil)
}

// CallKw is Call with keyword arguments.
func (c *Client) CallKw(ctx context.Context, method string, reply any, args []any, kwargs map[string]any) error {
	payload, err := c.Invoke(ctx, method, args, kwargs)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(payload, reply); err != nil {
		return fmt.Errorf("client: decode result of %s: %w", method, err)
	}
	return nil
}

// Stub binds method to a typed function, e.g.
//
//	incr := client.Stub[int](cli, "Incr")
//	n, err := incr(ctx, 5)
func Stub[T any](c *Client, method string) func(ctx context.Context, args ...any) (T, error) {
	return func(ctx context.Context, args ...any) (T, error) {
		var reply T
		err := c.Call(ctx, method, &reply, args...)
		return reply, err
	}
}
