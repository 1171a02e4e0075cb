package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostlink/codec"
	"hostlink/config"
	"hostlink/message"
	"hostlink/runtime"
)

// hostConn is one accepted connection on the fake host, with its writes
// serialized.
type hostConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (hc *hostConn) write(msg *message.Message) error {
	frame, err := msg.Marshal()
	if err != nil {
		return err
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.conn.WriteMessage(websocket.TextMessage, frame)
}

// fakeHost speaks the host side of the protocol: it answers every
// client call (INITIALIZE_HOST with a success payload, everything else
// with true) and surfaces each inbound frame for assertions.
type fakeHost struct {
	server *httptest.Server
	frames chan *message.Message
	connCh chan *hostConn

	mu    sync.Mutex
	seq   int
	conns []*hostConn

	// stash holds frames an await inspected but did not claim. Only the
	// test goroutine touches it.
	stash []*message.Message
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{
		frames: make(chan *message.Message, 64),
		connCh: make(chan *hostConn, 8),
	}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hc := &hostConn{conn: conn}
		h.mu.Lock()
		h.conns = append(h.conns, hc)
		h.mu.Unlock()
		h.connCh <- hc
		go h.readLoop(hc)
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHost) endpoint() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *fakeHost) readLoop(hc *hostConn) {
	for {
		_, data, err := hc.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := message.Unmarshal(data)
		if err != nil {
			continue
		}
		if msg.Kind == message.KindCall {
			hc.write(h.answer(msg)) //nolint:errcheck
		}
		h.frames <- msg
	}
}

func (h *fakeHost) answer(call *message.Message) *message.Message {
	resp := &message.Message{ID: call.ID, Kind: message.KindResponse, Data: []byte("true")}
	if call.Method == message.MethodInitializeHost {
		data, _ := json.Marshal(message.InitializeHostReturns{
			Type:         "success",
			DashboardURL: "https://host.example.com/dashboard",
			Environment:  "test",
		})
		resp.Data = data
	}
	return resp
}

// await returns the first frame satisfying pred, failing the test after
// two seconds. Frames it inspects but does not claim stay available for
// later awaits.
func (h *fakeHost) await(t *testing.T, what string, pred func(*message.Message) bool) *message.Message {
	t.Helper()
	for i, msg := range h.stash {
		if pred(msg) {
			h.stash = append(h.stash[:i], h.stash[i+1:]...)
			return msg
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.frames:
			if pred(msg) {
				return msg
			}
			h.stash = append(h.stash, msg)
		case <-deadline:
			t.Fatalf("host never saw %s", what)
		}
	}
}

// assertNoMethod checks that method does not arrive within the grace
// period and was not already buffered.
func (h *fakeHost) assertNoMethod(t *testing.T, method string) {
	t.Helper()
	for _, msg := range h.stash {
		if msg.Method == method {
			t.Fatalf("host unexpectedly saw %s", method)
		}
	}
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case msg := <-h.frames:
			if msg.Method == method {
				t.Fatalf("host unexpectedly saw %s", method)
			}
			h.stash = append(h.stash, msg)
		case <-deadline:
			return
		}
	}
}

func (h *fakeHost) awaitMethod(t *testing.T, method string) *message.Message {
	t.Helper()
	return h.await(t, method, func(m *message.Message) bool { return m.Method == method })
}

func (h *fakeHost) awaitConn(t *testing.T) *hostConn {
	t.Helper()
	select {
	case hc := <-h.connCh:
		return hc
	case <-time.After(2 * time.Second):
		t.Fatal("host never saw a connection")
		return nil
	}
}

// call sends a host→client CALL and waits for the client's response.
func (h *fakeHost) call(t *testing.T, hc *hostConn, method string, inputs any) *message.Message {
	t.Helper()
	h.mu.Lock()
	h.seq++
	id := fmt.Sprintf("host-%d", h.seq)
	h.mu.Unlock()

	data, err := json.Marshal(inputs)
	require.NoError(t, err)
	require.NoError(t, hc.write(&message.Message{ID: id, Kind: message.KindCall, Method: method, Data: data}))
	return h.await(t, method+" response", func(m *message.Message) bool {
		return m.Kind == message.KindResponse && m.ID == id
	})
}

func testConfig(h *fakeHost) config.Config {
	cfg := config.Default()
	cfg.Endpoint = h.endpoint()
	cfg.APIKey = "test-key"
	cfg.Environment = "test"
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

func startClient(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Listen(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func encodeValue(t *testing.T, v codec.Value) []byte {
	t.Helper()
	raw, err := codec.Encode(v)
	require.NoError(t, err)
	return raw
}

func TestTransactionEndToEnd(t *testing.T) {
	h := newFakeHost(t)
	c := New(testConfig(h), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, c.Register("refund_user", func(ctx context.Context, io *runtime.IO, actx *runtime.Context) (codec.Value, error) {
		amount, err := io.RequestInput(ctx, map[string]codec.Value{"widget": "input.number", "label": "Amount"})
		if err != nil {
			return nil, err
		}
		return map[string]codec.Value{"refunded": amount}, nil
	}, runtime.Options{}))

	startClient(t, c)
	hc := h.awaitConn(t)

	init := h.awaitMethod(t, message.MethodInitializeHost)
	var announced message.InitializeHostInputs
	require.NoError(t, json.Unmarshal(init.Data, &announced))
	assert.Equal(t, sdkName, announced.SDKName)
	require.Len(t, announced.Actions, 1)
	assert.Equal(t, "refund_user", announced.Actions[0].Slug)

	resp := h.call(t, hc, message.MethodStartTransaction, message.StartTransactionInputs{
		TransactionID: "tx-1", Slug: "refund_user", Environment: "test",
	})
	require.Empty(t, resp.Error)

	ioCall := h.awaitMethod(t, message.MethodSendIOCall)
	var ioInputs message.SendIOCallInputs
	require.NoError(t, json.Unmarshal(ioCall.Data, &ioInputs))
	assert.Equal(t, "tx-1", ioInputs.TransactionID)
	assert.Equal(t, 1, ioInputs.Seq)

	resp = h.call(t, hc, message.MethodIOResponse, message.IOResponseInputs{
		TransactionID: "tx-1", Value: encodeValue(t, 25.50),
	})
	require.Empty(t, resp.Error)

	mark := h.awaitMethod(t, message.MethodMarkTransactionComplete)
	var markInputs message.MarkTransactionCompleteInputs
	require.NoError(t, json.Unmarshal(mark.Data, &markInputs))
	assert.Equal(t, "tx-1", markInputs.TransactionID)
	assert.Equal(t, message.StatusSuccess, markInputs.Status)
	result, err := codec.Decode(markInputs.Result)
	require.NoError(t, err)
	assert.Equal(t, map[string]codec.Value{"refunded": 25.50}, result)
}

func TestCancelMidInput(t *testing.T) {
	h := newFakeHost(t)
	c := New(testConfig(h), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	done := make(chan error, 1)
	require.NoError(t, c.Register("confirm_delete", func(ctx context.Context, io *runtime.IO, actx *runtime.Context) (codec.Value, error) {
		_, err := io.RequestInput(ctx, map[string]codec.Value{"widget": "confirm"})
		done <- err
		return nil, err
	}, runtime.Options{}))

	startClient(t, c)
	hc := h.awaitConn(t)
	h.awaitMethod(t, message.MethodInitializeHost)

	require.Empty(t, h.call(t, hc, message.MethodStartTransaction, message.StartTransactionInputs{
		TransactionID: "tx-1", Slug: "confirm_delete",
	}).Error)
	h.awaitMethod(t, message.MethodSendIOCall)

	require.Empty(t, h.call(t, hc, message.MethodCancel, message.CancelInputs{TransactionID: "tx-1"}).Error)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("action never observed the cancellation")
	}

	// No completion report follows a host-initiated cancel.
	h.assertNoMethod(t, message.MethodMarkTransactionComplete)
}

func TestResumeAfterConnectionDrop(t *testing.T) {
	h := newFakeHost(t)
	c := New(testConfig(h), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, c.Register("two_step", func(ctx context.Context, io *runtime.IO, actx *runtime.Context) (codec.Value, error) {
		first, err := io.RequestInput(ctx, map[string]codec.Value{"widget": "input.text"})
		if err != nil {
			return nil, err
		}
		return first, nil
	}, runtime.Options{}))

	startClient(t, c)
	hc := h.awaitConn(t)
	h.awaitMethod(t, message.MethodInitializeHost)

	require.Empty(t, h.call(t, hc, message.MethodStartTransaction, message.StartTransactionInputs{
		TransactionID: "tx-1", Slug: "two_step",
	}).Error)
	h.awaitMethod(t, message.MethodSendIOCall)

	// Drop the connection while the action is suspended on input.
	hc.conn.Close()

	hc2 := h.awaitConn(t)
	h.awaitMethod(t, message.MethodInitializeHost)
	resume := h.awaitMethod(t, message.MethodResume)
	var resumeInputs message.ResumeInputs
	require.NoError(t, json.Unmarshal(resume.Data, &resumeInputs))
	assert.Equal(t, []string{"tx-1"}, resumeInputs.TransactionIDs)

	// The host replays the answer on the new connection; the action picks
	// up exactly where it stopped.
	require.Empty(t, h.call(t, hc2, message.MethodIOResponse, message.IOResponseInputs{
		TransactionID: "tx-1", Value: encodeValue(t, "carried over"),
	}).Error)

	mark := h.awaitMethod(t, message.MethodMarkTransactionComplete)
	var markInputs message.MarkTransactionCompleteInputs
	require.NoError(t, json.Unmarshal(mark.Data, &markInputs))
	assert.Equal(t, message.StatusSuccess, markInputs.Status)
	result, err := codec.Decode(markInputs.Result)
	require.NoError(t, err)
	assert.Equal(t, "carried over", result)
}

func TestUnknownSlugRejected(t *testing.T) {
	h := newFakeHost(t)
	c := New(testConfig(h), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	startClient(t, c)
	hc := h.awaitConn(t)
	h.awaitMethod(t, message.MethodInitializeHost)

	resp := h.call(t, hc, message.MethodStartTransaction, message.StartTransactionInputs{
		TransactionID: "tx-1", Slug: "nonexistent",
	})
	require.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Error, "nonexistent")
}

func TestGracefulShutdownAnnounced(t *testing.T) {
	h := newFakeHost(t)
	c := New(testConfig(h), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	cancel, errCh := startClient(t, c)
	h.awaitConn(t)
	h.awaitMethod(t, message.MethodInitializeHost)

	cancel()
	h.awaitMethod(t, message.MethodBeginHostShutdown)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen never returned after cancellation")
	}
}

func TestHandshakeRejectionIsFatal(t *testing.T) {
	h := newFakeHost(t)
	cfg := testConfig(h)
	cfg.APIKey = "wrong-key"
	c := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Listen(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisterAfterListenFails(t *testing.T) {
	h := newFakeHost(t)
	c := New(testConfig(h), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	startClient(t, c)
	h.awaitConn(t)
	h.awaitMethod(t, message.MethodInitializeHost)

	err := c.Register("late", func(ctx context.Context, io *runtime.IO, actx *runtime.Context) (codec.Value, error) {
		return nil, nil
	}, runtime.Options{})
	assert.ErrorIs(t, err, runtime.ErrRegistryFrozen)
}
