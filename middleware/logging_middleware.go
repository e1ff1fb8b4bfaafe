package middleware

import (
	"context"
	"objrpc/message"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if peer := PeerFromContext(ctx); peer != nil {
				fields = append(fields, zap.Stringer("peer", peer))
			}
			if !resp.Success {
				fields = append(fields, zap.Stringer("status", resp.Status), zap.String("error", resp.Error))
				logger.Warn("call failed", fields...)
				return resp
			}
			logger.Debug("call", fields...)
			return resp
		}
	}
}
