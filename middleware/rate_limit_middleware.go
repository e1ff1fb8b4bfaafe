package middleware

import (
	"context"
	"net"
	"objrpc/message"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimitExceeded = "rate limit exceeded"

// RateLimitMiddleware applies one token bucket to every call the server handles.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure(message.StatusCallFailed, rateLimitExceeded)
			}
			return next(ctx, req)
		}
	}
}

// PeerRateLimitMiddleware applies a token bucket per remote host and evicts
// buckets idle for longer than idleTTL.
func PeerRateLimitMiddleware(r float64, burst int, idleTTL time.Duration) Middleware {
	l := newPeerLimiter(rate.Limit(r), burst, idleTTL)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !l.allow(peerHost(ctx), time.Now()) {
				return message.Failure(message.StatusCallFailed, rateLimitExceeded)
			}
			return next(ctx, req)
		}
	}
}

type peerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*peerEntry
	hits  uint64
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPeerLimiter(limit rate.Limit, burst int, idleTTL time.Duration) *peerLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &peerLimiter{
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*peerEntry),
	}
}

func (l *peerLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &peerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}

func peerHost(ctx context.Context) string {
	addr := PeerFromContext(ctx)
	if addr == nil {
		return "unknown"
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}
