package server

import (
	"bufio"
	"net"
	"sync"
)

// conn is one accepted client connection. Only the reader goroutine reads from
// it; only Step writes to it.
type conn struct {
	nc   net.Conn
	r    *bufio.Reader
	addr net.Addr

	closeOnce sync.Once
}

func newConn(nc net.Conn) *conn {
	return &conn{
		nc:   nc,
		r:    bufio.NewReader(nc),
		addr: nc.RemoteAddr(),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.nc.Close()
	})
}
