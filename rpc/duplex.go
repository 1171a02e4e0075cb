package rpc

import (
	"context"
	"log/slog"

	"hostlink/message"
	"hostlink/middleware"
)

// Duplex combines the correlator with the inbound dispatch path. Inbound
// RESPONSEs resolve pending calls; inbound CALLs run through the
// middleware chain to a per-method handler and the result is sent back
// with the caller's id.
//
// HandleMessage is invoked by the session's single-threaded receive loop,
// so inbound messages are dispatched strictly in transport delivery order.
// Handlers must therefore return quickly; anything long-running (an action
// body) is started on its own goroutine by the handler itself.
type Duplex struct {
	*Correlator

	logger   *slog.Logger
	handlers map[string]middleware.HandlerFunc
	chain    middleware.HandlerFunc

	// OnDropped, if set, is called for every inbound frame discarded as
	// malformed. Set during client setup, before the session connects.
	OnDropped func()
}

func NewDuplex(sender Sender, logger *slog.Logger, middlewares ...middleware.Middleware) *Duplex {
	d := &Duplex{
		Correlator: NewCorrelator(sender, logger),
		logger:     logger.With("component", "rpc"),
		handlers:   make(map[string]middleware.HandlerFunc),
	}
	d.chain = middleware.Chain(middlewares...)(d.dispatch)
	return d
}

// Handle registers the handler for an inbound method. Registration happens
// during client setup, before the session connects; it is not safe to call
// concurrently with HandleMessage.
func (d *Duplex) Handle(method string, handler middleware.HandlerFunc) {
	d.handlers[method] = handler
}

// HandleMessage processes one raw inbound frame. A frame that fails to
// parse is logged and dropped; the error never reaches unrelated calls or
// transactions.
func (d *Duplex) HandleMessage(ctx context.Context, data []byte) {
	msg, err := message.Unmarshal(data)
	if err != nil {
		d.logger.Warn("dropping malformed frame", "error", err)
		d.drop()
		return
	}
	if !msg.Valid() {
		d.logger.Warn("dropping invalid envelope", "id", msg.ID, "kind", msg.Kind, "method", msg.Method)
		d.drop()
		return
	}

	switch msg.Kind {
	case message.KindResponse:
		d.Resolve(msg)

	case message.KindCall:
		resp := d.chain(ctx, msg)
		if resp == nil {
			return
		}
		frame, err := resp.Marshal()
		if err != nil {
			d.logger.Error("failed to marshal response", "id", msg.ID, "error", err)
			return
		}
		if err := d.sender.Send(frame); err != nil {
			d.logger.Warn("failed to send response", "id", msg.ID, "error", err)
		}

	case message.KindNotify:
		// Same dispatch path, but the result is discarded.
		d.chain(ctx, msg)
	}
}

func (d *Duplex) drop() {
	if d.OnDropped != nil {
		d.OnDropped()
	}
}

// dispatch is the innermost handler behind the middleware chain.
func (d *Duplex) dispatch(ctx context.Context, req *message.Message) *message.Message {
	handler, ok := d.handlers[req.Method]
	if !ok {
		d.logger.Warn("received unsupported call", "method", req.Method, "id", req.ID)
		return &message.Message{
			ID:    req.ID,
			Kind:  message.KindResponse,
			Error: "unsupported method: " + req.Method,
		}
	}
	return handler(ctx, req)
}
