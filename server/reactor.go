package server

import (
	"context"
	"errors"
	"io"
	"net"
	"objrpc/protocol"

	"go.uber.org/zap"
)

type eventKind int

const (
	evAccept  eventKind = iota // a new connection from the accept goroutine
	evRequest                  // one decoded request frame
	evClosed                   // a reader goroutine stopped
	evWake                     // Disconnect from another goroutine
)

type event struct {
	kind   eventKind
	ln     net.Listener // evAccept: listener that produced nc
	nc     net.Conn     // evAccept
	conn   *conn        // evRequest, evClosed
	header *protocol.Header
	body   []byte
	err    error // evClosed: why the reader stopped
}

// Step waits until at least one event is ready, handles every event queued at
// that moment, and reports whether anything is left to watch. A false return
// means the server is disconnected and every client has gone.
func (svr *Server) Step() bool {
	return svr.StepContext(context.Background())
}

// StepContext is Step with a bound on the wait. When ctx is done before any
// event arrives it returns without handling anything.
func (svr *Server) StepContext(ctx context.Context) bool {
	if !svr.active() {
		return false
	}

	select {
	case ev := <-svr.events:
		svr.handle(ev)
	case <-ctx.Done():
		return svr.active()
	case <-svr.done:
		return false
	}

	// Drain what was ready alongside the first event, but not what arrives later
	for n := len(svr.events); n > 0; n-- {
		select {
		case ev := <-svr.events:
			svr.handle(ev)
		default:
			return svr.active()
		}
	}
	return svr.active()
}

func (svr *Server) handle(ev event) {
	switch ev.kind {
	case evAccept:
		svr.handleAccept(ev.ln, ev.nc)
	case evRequest:
		if svr.tracked(ev.conn) {
			svr.handleRequest(ev.conn, ev.header, ev.body)
		}
	case evClosed:
		svr.handleClosed(ev.conn, ev.err)
	case evWake:
	}
}

// post hands an event to Step. It gives up once the server is closed.
func (svr *Server) post(ev event) bool {
	select {
	case svr.events <- ev:
		return true
	case <-svr.done:
		return false
	}
}

func (svr *Server) wake() {
	select {
	case svr.events <- event{kind: evWake}:
	default:
		// Queue is full, Step has something to do anyway
	}
}

func (svr *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			// Disconnect closed the listener; anything else is fatal for it too
			if !errors.Is(err, net.ErrClosed) {
				svr.logger.Error("accept failed", zap.Error(err))
				svr.dropListener(ln)
			}
			return
		}
		if !svr.post(event{kind: evAccept, ln: ln, nc: nc}) {
			nc.Close()
			return
		}
	}
}

// dropListener removes a failed listener from the watch set.
func (svr *Server) dropListener(ln net.Listener) {
	svr.mu.Lock()
	if svr.listener == ln {
		svr.listener = nil
	}
	svr.mu.Unlock()
	ln.Close()
	svr.wake()
}

// readLoop reads frames off c until it fails. Heartbeats are consumed here and
// never reach Step.
func (svr *Server) readLoop(c *conn) {
	for {
		header, body, err := protocol.Decode(c.r, svr.opts.maxBodySize)
		if err != nil {
			svr.post(event{kind: evClosed, conn: c, err: err})
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if !svr.post(event{kind: evRequest, conn: c, header: header, body: body}) {
			return
		}
	}
}

func (svr *Server) handleAccept(ln net.Listener, nc net.Conn) {
	c := newConn(nc)

	svr.mu.Lock()
	if svr.listener != ln {
		// Accepted just before Disconnect
		svr.mu.Unlock()
		c.close()
		return
	}
	svr.conns[c] = struct{}{}
	svr.mu.Unlock()

	if svr.connGauge != nil {
		svr.connGauge.Inc()
	}
	svr.logger.Info("client connected", zap.Stringer("peer", c.addr))
	go svr.readLoop(c)
}

func (svr *Server) handleClosed(c *conn, err error) {
	if !svr.tracked(c) {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		svr.logger.Info("client disconnected", zap.Stringer("peer", c.addr))
	case errors.Is(err, protocol.ErrInvalidFrame),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, io.ErrUnexpectedEOF):
		svr.logger.Warn("protocol error, closing connection", zap.Stringer("peer", c.addr), zap.Error(err))
	default:
		svr.logger.Debug("connection closed", zap.Stringer("peer", c.addr), zap.Error(err))
	}
	svr.drop(c)
}

func (svr *Server) tracked(c *conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	_, ok := svr.conns[c]
	return ok
}

// drop closes c and removes it from the watch set. Its reader goroutine exits on
// the next read.
func (svr *Server) drop(c *conn) {
	svr.mu.Lock()
	_, ok := svr.conns[c]
	delete(svr.conns, c)
	svr.mu.Unlock()

	c.close()
	if ok && svr.connGauge != nil {
		svr.connGauge.Dec()
	}
}
