package middleware

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"hostlink/message"
)

func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return &message.Message{ID: req.ID, Kind: message.KindResponse, Data: req.Data}
}

func TestChainOrder(t *testing.T) {
	var order []string

	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(tag("A"), tag("B"))(echoHandler)
	handler(context.Background(), &message.Message{ID: "1", Kind: message.KindCall, Method: "X"})

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, req *message.Message) *message.Message {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return &message.Message{ID: req.ID, Kind: message.KindResponse}
	}

	handler := TimeoutMiddleware(20 * time.Millisecond)(slow)
	resp := handler(context.Background(), &message.Message{ID: "1", Kind: message.KindCall, Method: "X"})

	if resp.Error == "" {
		t.Fatal("expected timeout error response")
	}
	if resp.ID != "1" {
		t.Fatalf("timeout response must keep the caller's id, got %q", resp.ID)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(1, 1)(echoHandler)
	req := &message.Message{ID: "1", Kind: message.KindCall, Method: "X"}

	if resp := handler(context.Background(), req); resp.Error != "" {
		t.Fatalf("first call should pass, got error %q", resp.Error)
	}
	if resp := handler(context.Background(), req); resp.Error == "" {
		t.Fatal("second immediate call should be rate limited")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	boom := func(ctx context.Context, req *message.Message) *message.Message {
		panic("boom")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RecoveryMiddleware(logger)(boom)
	resp := handler(context.Background(), &message.Message{ID: "7", Kind: message.KindCall, Method: "X"})

	if resp == nil || resp.Error == "" {
		t.Fatal("expected error response after panic")
	}
	if resp.ID != "7" {
		t.Fatalf("recovered response must keep the caller's id, got %q", resp.ID)
	}
}
