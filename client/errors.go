package client

import (
	"errors"
	"fmt"
	"objrpc/message"
	"objrpc/transport"
)

var (
	// ErrMethodNotFound matches errors for calls the server has no method for.
	ErrMethodNotFound = errors.New("client: method not found")
	// ErrCallFailed matches errors for calls whose method failed on the server.
	ErrCallFailed = errors.New("client: call failed")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("client: transport error")

	ErrNotConnected = errors.New("client: not connected")
	// ErrBroken is returned by calls on a connection left unusable by an earlier
	// failure. Connect again to recover.
	ErrBroken = transport.ErrBroken
)

// Error is a failure reported by the server. The connection stays usable.
type Error struct {
	Method  string
	Status  message.Status
	Message string // Server's description, verbatim
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrMethodNotFound:
		return e.Status == message.StatusMethodNotFound
	case ErrCallFailed:
		return e.Status != message.StatusMethodNotFound
	}
	return false
}

// TransportError is a failure to get a reply at all: dial, write, read, a bad
// reply frame or a cancelled context.
type TransportError struct {
	Op   string // "dial" or "call"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
