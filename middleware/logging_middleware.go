package middleware

import (
	"context"
	"log/slog"
	"time"

	"hostlink/message"
)

// LoggingMiddleware records every inbound call with its method, duration,
// and error, if any.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp != nil && resp.Error != "" {
				logger.Warn("inbound call failed",
					"method", req.Method, "id", req.ID, "duration", duration, "error", resp.Error)
			} else {
				logger.Debug("inbound call handled",
					"method", req.Method, "id", req.ID, "duration", duration)
			}
			return resp
		}
	}
}
