package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"hostlink/message"
)

// RecoveryMiddleware converts a panicking handler into an error response.
// A single bad inbound call must never take down the process or the other
// transactions sharing the session.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic handling inbound call",
						"method", req.Method, "id", req.ID, "panic", r,
						"stack", string(debug.Stack()))
					resp = &message.Message{
						ID:    req.ID,
						Kind:  message.KindResponse,
						Error: "internal error",
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
