package middleware

import (
	"context"
	"time"

	"hostlink/message"
)

// TimeoutMiddleware bounds how long a single inbound call may take to
// produce its response. The timeout applies to answering the call, not to
// the transaction the call may have started, which runs on its own
// goroutine and outlives the dispatch.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Message{
					ID:    req.ID,
					Kind:  message.KindResponse,
					Error: "call timed out",
				}
			}
		}
	}
}
