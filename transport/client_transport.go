// Package transport implements the client side of one framed connection.
//
// Calls on a ClientTransport are strictly sequential: a call writes one request
// frame and then reads exactly one response frame before the next call may start.
// Every request carries a fresh sequence number and the server echoes it, so a
// reply that belongs to some other request is detected instead of silently
// returned to the wrong caller.
//
//	caller ──RoundTrip(seq=1)──→ conn ──→ Server
//	caller ←──response(seq=1)── conn ←── Server
//
// Once a call fails halfway (write error, read error, wrong sequence number or a
// cancelled context) the stream position is unknown and the transport is broken:
// every later call fails with ErrBroken.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"objrpc/codec"
	"objrpc/message"
	"objrpc/protocol"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBroken = errors.New("transport: connection broken")
	ErrClosed = errors.New("transport: closed")
	// ErrSeqMismatch reports a reply whose sequence number is not the request's.
	ErrSeqMismatch = errors.New("transport: response sequence mismatch")
)

type options struct {
	codec       codec.CodecType
	maxBodySize int
	heartbeat   time.Duration
	logger      *zap.Logger
}

type Option func(*options)

// WithMaxBodySize bounds request and response bodies.
func WithMaxBodySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodySize = n
		}
	}
}

// WithHeartbeat sends a heartbeat frame every interval while the transport is
// idle. The server consumes heartbeats without replying. Zero disables them.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) { o.heartbeat = interval }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ClientTransport owns one TCP connection to a server.
type ClientTransport struct {
	conn net.Conn
	opts options
	cdc  codec.Codec

	calling sync.Mutex // One call at a time: write request, read its response
	sending sync.Mutex // Heartbeats share the conn with requests, frames must not interleave
	seq     uint32     // Protected by calling

	mu     sync.Mutex
	broken error // First failure that left the stream in an unknown state
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClientTransport wraps an established connection. The transport owns conn
// from here on and closes it in Close.
func NewClientTransport(conn net.Conn, opts ...Option) (*ClientTransport, error) {
	o := options{
		codec:       codec.CodecTypeJSON,
		maxBodySize: protocol.DefaultMaxBodySize,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	cdc, err := codec.GetCodec(o.codec)
	if err != nil {
		return nil, err
	}

	t := &ClientTransport{
		conn: conn,
		opts: o,
		cdc:  cdc,
		done: make(chan struct{}),
	}
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t, nil
}

// Dial opens a TCP connection to addr and wraps it.
func Dial(ctx context.Context, addr string, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	t, err := NewClientTransport(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// RoundTrip sends req and waits for its response.
//
// ctx bounds the whole exchange. Its deadline becomes the socket deadline and
// cancellation interrupts a blocked read or write; either one breaks the
// transport, since the reply may still arrive later. The returned Response has
// Status filled in from the frame header.
func (t *ClientTransport) RoundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	body, err := t.cdc.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}
	if len(body) > t.opts.maxBodySize {
		// Nothing written yet, the stream is still usable
		return nil, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(body), t.opts.maxBodySize)
	}

	t.calling.Lock()
	defer t.calling.Unlock()

	if err := t.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.seq++
	seq := t.seq

	stop := t.bindContext(ctx)
	resp, err := t.exchange(seq, body)
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		t.markBroken(err)
		return nil, err
	}
	return resp, nil
}

func (t *ClientTransport) exchange(seq uint32, body []byte) (*message.Response, error) {
	header := protocol.Header{
		CodecType: byte(t.cdc.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	t.sending.Lock()
	err := protocol.Encode(t.conn, &header, body, t.opts.maxBodySize)
	t.sending.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transport: write request: %w", err)
	}

	reply, payload, err := protocol.Decode(t.conn, t.opts.maxBodySize)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	if reply.MsgType != protocol.MsgTypeResponse {
		return nil, fmt.Errorf("%w: unexpected message type %d", protocol.ErrInvalidFrame, reply.MsgType)
	}
	if reply.Seq != seq {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrSeqMismatch, seq, reply.Seq)
	}

	resp := &message.Response{}
	if err := t.cdc.Decode(payload, resp); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	resp.Status = message.Status(reply.Status)
	if resp.Success && resp.Status != message.StatusOK {
		return nil, fmt.Errorf("%w: success with status %s", message.ErrMalformedResponse, resp.Status)
	}
	return resp, nil
}

// bindContext maps ctx onto the socket: its deadline becomes the I/O deadline
// and cancellation forces pending I/O to fail at once. The returned func undoes
// both.
func (t *ClientTransport) bindContext(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
	}
	fired := make(chan struct{})
	stopAfter := context.AfterFunc(ctx, func() {
		t.conn.SetDeadline(time.Unix(1, 0))
		close(fired)
	})
	return func() {
		// An AfterFunc already running must finish before the reset below
		if !stopAfter() {
			<-fired
		}
		t.conn.SetDeadline(time.Time{})
	}
}

func (t *ClientTransport) usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.broken != nil {
		return fmt.Errorf("%w: %v", ErrBroken, t.broken)
	}
	return nil
}

func (t *ClientTransport) markBroken(err error) {
	t.mu.Lock()
	if t.broken == nil {
		t.broken = err
	}
	t.mu.Unlock()
	t.opts.logger.Debug("transport broken", zap.Stringer("remote", t.conn.RemoteAddr()), zap.Error(err))
}

// Err returns why the transport is unusable, or nil.
func (t *ClientTransport) Err() error {
	return t.usable()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close closes the connection and stops the heartbeat. It is safe to call more
// than once.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// heartbeatLoop sends periodic heartbeat frames so idle connections are not
// reaped by middleboxes. Heartbeat frames have no body and get no reply.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{
			CodecType: byte(t.cdc.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil, t.opts.maxBodySize)
		t.sending.Unlock()
		if err != nil {
			t.markBroken(fmt.Errorf("transport: heartbeat: %w", err))
			return
		}
	}
}
