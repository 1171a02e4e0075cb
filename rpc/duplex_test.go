package rpc

import (
	"context"
	"testing"

	"hostlink/message"
	"hostlink/middleware"
)

func newTestDuplex() (*Duplex, *fakeSender) {
	sender := &fakeSender{}
	d := NewDuplex(sender, testLogger())
	return d, sender
}

func TestDuplexDispatchesCallToHandler(t *testing.T) {
	d, sender := newTestDuplex()

	var got *message.Message
	d.Handle("START_TRANSACTION", func(ctx context.Context, req *message.Message) *message.Message {
		got = req
		return &message.Message{ID: req.ID, Kind: message.KindResponse, Data: []byte(`true`)}
	})

	frame, _ := (&message.Message{
		ID:     "h1",
		Kind:   message.KindCall,
		Method: "START_TRANSACTION",
		Data:   []byte(`{"transactionId":"t1"}`),
	}).Marshal()
	d.HandleMessage(context.Background(), frame)

	if got == nil || got.ID != "h1" {
		t.Fatalf("handler did not receive the call: %+v", got)
	}

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 response frame, got %d", len(frames))
	}
	if frames[0].ID != "h1" || frames[0].Kind != message.KindResponse {
		t.Fatalf("response must reuse the caller's id: %+v", frames[0])
	}
}

func TestDuplexUnsupportedMethod(t *testing.T) {
	d, sender := newTestDuplex()

	frame, _ := (&message.Message{ID: "h2", Kind: message.KindCall, Method: "OPEN_PAGE"}).Marshal()
	d.HandleMessage(context.Background(), frame)

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 response frame, got %d", len(frames))
	}
	if frames[0].Error == "" {
		t.Fatal("unsupported method must produce a structured error response")
	}
}

func TestDuplexRoutesResponses(t *testing.T) {
	d, _ := newTestDuplex()

	call, err := d.Issue("SEND_IO_CALL", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	frame, _ := (&message.Message{ID: call.ID, Kind: message.KindResponse, Data: []byte(`true`)}).Marshal()
	d.HandleMessage(context.Background(), frame)

	select {
	case <-call.Done():
	default:
		t.Fatal("inbound response did not resolve the pending call")
	}
}

func TestDuplexDropsMalformedFrames(t *testing.T) {
	d, sender := newTestDuplex()

	d.HandleMessage(context.Background(), []byte("not json"))
	d.HandleMessage(context.Background(), []byte(`{"kind":"CALL"}`)) // no id

	if len(sender.sent()) != 0 {
		t.Fatal("malformed frames must be dropped silently")
	}
}

func TestDuplexNotifyHasNoResponse(t *testing.T) {
	d, sender := newTestDuplex()

	handled := false
	d.Handle("CANCEL", func(ctx context.Context, req *message.Message) *message.Message {
		handled = true
		return nil
	})

	frame, _ := (&message.Message{ID: "n1", Kind: message.KindNotify, Method: "CANCEL"}).Marshal()
	d.HandleMessage(context.Background(), frame)

	if !handled {
		t.Fatal("notification was not dispatched")
	}
	if len(sender.sent()) != 0 {
		t.Fatal("notifications must not be answered")
	}
}

func TestDuplexMiddlewareWrapsDispatch(t *testing.T) {
	sender := &fakeSender{}
	var seen []string
	mw := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			seen = append(seen, req.Method)
			return next(ctx, req)
		}
	}
	d := NewDuplex(sender, testLogger(), mw)
	d.Handle("IO_RESPONSE", func(ctx context.Context, req *message.Message) *message.Message {
		return &message.Message{ID: req.ID, Kind: message.KindResponse}
	})

	frame, _ := (&message.Message{ID: "m1", Kind: message.KindCall, Method: "IO_RESPONSE"}).Marshal()
	d.HandleMessage(context.Background(), frame)

	if len(seen) != 1 || seen[0] != "IO_RESPONSE" {
		t.Fatalf("middleware did not observe the call: %v", seen)
	}
}
