// Package middleware provides the handler chain wrapped around every
// host-initiated call before it reaches the action runtime.
package middleware

import (
	"context"

	"hostlink/message"
)

// HandlerFunc processes one inbound CALL and returns the RESPONSE envelope.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines multiple middlewares into one.
//
// Chain(A, B, C)(handler) → A(B(C(handler))), so execution order is
// A.before → B.before → C.before → handler → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
