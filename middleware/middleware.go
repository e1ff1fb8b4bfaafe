package middleware

import (
	"context"
	"net"
	"objrpc/message"
)

// HandlerFunc turns a decoded request into exactly one response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost:
// Chain(A, B)(h) runs A → B → h → B → A.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type peerKey struct{}

// ContextWithPeer records the remote address of the connection a request came in on.
func ContextWithPeer(ctx context.Context, addr net.Addr) context.Context {
	return context.WithValue(ctx, peerKey{}, addr)
}

// PeerFromContext returns the address stored by ContextWithPeer, or nil.
func PeerFromContext(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(peerKey{}).(net.Addr)
	return addr
}
