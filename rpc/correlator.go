// Package rpc implements the duplex call layer shared by both directions of
// the protocol: outbound calls awaiting responses, and inbound calls
// dispatched to registered handlers.
//
// The key structure is the pending map. Every outbound CALL gets a unique
// id and a single-resolution Call handle; a background dispatch path
// routes each inbound RESPONSE to the matching handle:
//
//	goroutine-1 ──Issue(id=1)──┐
//	goroutine-2 ──Issue(id=2)──┼──→ single session ──→ host
//	goroutine-3 ──Issue(id=3)──┘
//
//	dispatch:  ←── response(id=2) → pending[2] resolved → goroutine-2 wakes up
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"hostlink/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrTimeout resolves a pending call whose deadline expired before a
	// response arrived.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrCancelled resolves a pending call that was cancelled locally.
	ErrCancelled = errors.New("rpc: call cancelled")
)

// RemoteError is a structured failure returned by the peer's handler.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error calling %s: %s", e.Method, e.Message)
}

// Sender is the outbound half of the session, safe for concurrent use.
type Sender interface {
	Send(data []byte) error
}

// Call is one outstanding RPC awaiting its response. It resolves exactly
// once, by response arrival, cancellation, timeout, or session closure,
// whichever happens first. Later resolutions are no-ops.
type Call struct {
	ID       string
	Method   string
	IssuedAt time.Time

	settled atomic.Bool // the exclusive resolution token
	done    chan struct{}
	timer   *time.Timer

	resp *message.Message
	err  error
}

// resolve claims the resolution token. Returns false if the call was
// already settled by a racing resolver.
func (c *Call) resolve(resp *message.Message, err error) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.resp = resp
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.done)
	return true
}

// Done is closed once the call has resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome. Only valid after Done is closed.
func (c *Call) Result() (*message.Message, error) { return c.resp, c.err }

// Await blocks until the call resolves or ctx is cancelled.
func (c *Call) Await(ctx context.Context) (*message.Message, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator stamps outbound calls with fresh ids and routes inbound
// responses back to their issuers.
type Correlator struct {
	sender Sender
	logger *slog.Logger
	seq    atomic.Uint64
	mu     sync.Mutex
	pend   map[string]*Call
}

func NewCorrelator(sender Sender, logger *slog.Logger) *Correlator {
	return &Correlator{
		sender: sender,
		logger: logger.With("component", "rpc"),
		pend:   make(map[string]*Call),
	}
}

func (c *Correlator) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

// Issue sends a CALL and returns the handle for its eventual response.
// A timeout of zero means no deadline. On expiry the handle resolves with
// ErrTimeout and a best-effort cancellation notice is sent to the peer.
func (c *Correlator) Issue(method string, data []byte, timeout time.Duration) (*Call, error) {
	call := &Call{
		ID:       c.nextID(),
		Method:   method,
		IssuedAt: time.Now(),
		done:     make(chan struct{}),
	}

	env := &message.Message{
		ID:     call.ID,
		Kind:   message.KindCall,
		Method: method,
		Data:   data,
	}
	frame, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	// Arm the deadline before the call becomes reachable through the
	// pending map: resolve reads the timer field without a lock, so the
	// write must happen before any other goroutine can see the call.
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			if call.resolve(nil, ErrTimeout) {
				c.remove(call.ID)
				c.sendCancelNotice(call.ID)
			}
		})
	}

	// Register before sending so a fast response can never race past us.
	c.mu.Lock()
	c.pend[call.ID] = call
	c.mu.Unlock()

	if err := c.sender.Send(frame); err != nil {
		c.remove(call.ID)
		call.resolve(nil, err)
		return nil, err
	}
	return call, nil
}

// Notify sends a one-way message. No handle is registered; the peer never
// answers it.
func (c *Correlator) Notify(method string, data []byte) error {
	env := &message.Message{
		ID:     c.nextID(),
		Kind:   message.KindNotify,
		Method: method,
		Data:   data,
	}
	frame, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.sender.Send(frame)
}

// Cancel resolves the pending call with ErrCancelled. Idempotent; unknown
// ids are ignored.
func (c *Correlator) Cancel(id string) {
	call := c.remove(id)
	if call == nil {
		return
	}
	call.resolve(nil, ErrCancelled)
}

// Resolve routes an inbound RESPONSE to its pending call. A response for
// an unknown id (already resolved, or never issued) is logged and dropped,
// never fatal.
func (c *Correlator) Resolve(resp *message.Message) {
	call := c.remove(resp.ID)
	if call == nil {
		c.logger.Debug("response for unknown or settled call", "id", resp.ID)
		return
	}
	if resp.Error != "" {
		call.resolve(resp, &RemoteError{Method: call.Method, Message: resp.Error})
		return
	}
	call.resolve(resp, nil)
}

// CloseAll resolves every pending call with err. Called when the session
// is torn down.
func (c *Correlator) CloseAll(err error) {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.pend))
	for _, call := range c.pend {
		calls = append(calls, call)
	}
	c.pend = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, err)
	}
}

// Pending reports the number of in-flight calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pend)
}

func (c *Correlator) remove(id string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pend[id]
	if !ok {
		return nil
	}
	delete(c.pend, id)
	return call
}

func (c *Correlator) sendCancelNotice(id string) {
	data, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return
	}
	if err := c.Notify(message.MethodCancelCall, data); err != nil {
		c.logger.Debug("failed to send cancel notice", "id", id, "error", err)
	}
}
