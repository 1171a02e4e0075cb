package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hostlink/message"
)

// RateLimitMiddleware caps inbound call dispatch with a token bucket.
// A misbehaving host cannot flood the runtime with START_TRANSACTION calls
// faster than r per second (bursts up to burst).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return &message.Message{
					ID:    req.ID,
					Kind:  message.KindResponse,
					Error: "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}
}
