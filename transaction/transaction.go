// Package transaction implements the per-invocation lifecycle state machine.
//
// One Transaction tracks a single execution of an action:
//
//	Pending → Running ⇄ AwaitingInput → Completed | Failed | Cancelled | Interrupted
//
// Running and AwaitingInput alternate for the life of the handler: the
// handler issuing an IO call moves the transaction to AwaitingInput, the
// host's answer moves it back to Running. At most one IO call may be
// outstanding at a time; a second one is a programming error in the
// handler and fails fast instead of queueing.
//
// Resumption: when the host restarts a transaction it already answered
// part of, it supplies the log of answered exchanges. Those answers are
// replayed to the handler by sequence number without re-sending anything,
// so side effects between answered calls run exactly once on the original
// execution. The log is append-only and keyed by sequence number, so full
// history and last-call-only replay are both safe.
package transaction

import (
	"errors"
	"fmt"
	"sync"
)

type State string

const (
	StatePending       State = "PENDING"
	StateRunning       State = "RUNNING"
	StateAwaitingInput State = "AWAITING_INPUT"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
	StateInterrupted   State = "INTERRUPTED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateInterrupted:
		return true
	}
	return false
}

var (
	// ErrIOCallOutstanding fails a handler that issues a second IO call
	// while the first is still unanswered.
	ErrIOCallOutstanding = errors.New("transaction: an IO call is already outstanding")
	// ErrCancelled resolves an outstanding IO call when the host cancels
	// the transaction.
	ErrCancelled = errors.New("transaction: cancelled by host")
	// ErrInterrupted resolves an outstanding IO call when the session is
	// permanently closed.
	ErrInterrupted = errors.New("transaction: connection lost")
	// ErrFailed resolves an IO call still outstanding when the
	// transaction is marked failed.
	ErrFailed = errors.New("transaction: transaction failed")
)

// InvalidTransitionError reports a lifecycle event applied in a state that
// does not permit it.
type InvalidTransitionError struct {
	From  State
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction: cannot %s while %s", e.Event, e.From)
}

// IOExchange is one completed request/answer pair. Request and Response
// hold bridge-encoded wire bytes.
type IOExchange struct {
	Seq      int    `json:"seq"`
	Request  []byte `json:"request,omitempty"`
	Response []byte `json:"response"`
}

type ioResult struct {
	value []byte
	err   error
}

// Transaction is exclusively owned by the runtime goroutine executing the
// corresponding handler; the mutex only guards against the dispatch path
// delivering answers and cancellations concurrently with that goroutine.
type Transaction struct {
	ID   string
	Slug string

	mu     sync.Mutex
	state  State
	seq    int            // sequence number of the next IO call
	log    []IOExchange   // answered exchanges, append-only
	replay map[int][]byte // host-supplied answers for resumed transactions

	outstanding []byte // most recent unanswered request, nil if none
	waiter      chan ioResult
}

// New creates a transaction in Pending. replay carries the answered
// exchanges of a resumed transaction, empty for a fresh one.
func New(id, slug string, replay []IOExchange) *Transaction {
	answers := make(map[int][]byte, len(replay))
	for _, ex := range replay {
		answers[ex.Seq] = ex.Response
	}
	return &Transaction{
		ID:     id,
		Slug:   slug,
		state:  StatePending,
		seq:    1,
		replay: answers,
	}
}

// Begin marks the handler as started.
func (t *Transaction) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return &InvalidTransitionError{From: t.state, Event: "begin"}
	}
	t.state = StateRunning
	return nil
}

// IOCall is one issued IO call. Either Replayed carries the answer from
// the resume log, or Wait blocks until the host answers.
type IOCall struct {
	Seq      int
	Replayed []byte
	wait     chan ioResult
}

// Answered reports whether the call was satisfied from the replay log.
func (c *IOCall) Answered() bool { return c.wait == nil }

// Wait blocks until the host answers the call, the transaction is
// cancelled or interrupted, or done is closed.
func (c *IOCall) Wait(done <-chan struct{}) ([]byte, error) {
	if c.wait == nil {
		return c.Replayed, nil
	}
	select {
	case res := <-c.wait:
		return res.value, res.err
	case <-done:
		return nil, ErrInterrupted
	}
}

// StartIOCall issues the next IO call. If the replay log already holds the
// answer for this sequence number, the call comes back pre-answered and
// the state stays Running and nothing is sent to the host. Otherwise the
// transaction moves to AwaitingInput until ResolveIO delivers the answer.
func (t *Transaction) StartIOCall(request []byte) (*IOCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.state == StateAwaitingInput:
		return nil, ErrIOCallOutstanding
	case t.state.Terminal():
		return nil, t.terminalErr()
	case t.state != StateRunning:
		return nil, &InvalidTransitionError{From: t.state, Event: "issue IO call"}
	}

	seq := t.seq
	t.seq++

	if answer, ok := t.replay[seq]; ok {
		delete(t.replay, seq)
		t.log = append(t.log, IOExchange{Seq: seq, Request: request, Response: answer})
		return &IOCall{Seq: seq, Replayed: answer}, nil
	}

	t.state = StateAwaitingInput
	t.outstanding = request
	t.waiter = make(chan ioResult, 1)
	return &IOCall{Seq: seq, wait: t.waiter}, nil
}

// ResolveIO delivers the host's answer to the outstanding IO call.
// Returns false if nothing is outstanding (late or duplicate answer,
// logged by the caller, never fatal).
func (t *Transaction) ResolveIO(value []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateAwaitingInput {
		return false
	}
	t.log = append(t.log, IOExchange{Seq: t.seq - 1, Request: t.outstanding, Response: value})
	t.state = StateRunning
	t.outstanding = nil
	t.waiter <- ioResult{value: value}
	t.waiter = nil
	return true
}

// Complete records a successful return of the handler.
func (t *Transaction) Complete() error {
	return t.finish(StateCompleted, "complete", nil)
}

// Fail records an error escaping the handler. Unlike Complete it is also
// legal while an IO call is outstanding: RequestInput reports send
// failures with the call still formally open, and the handler returns
// that error straight away. Any waiter resolves with ErrFailed.
func (t *Transaction) Fail() error {
	return t.finish(StateFailed, "fail", ErrFailed)
}

// Cancel applies a host-initiated cancellation. Any outstanding IO call
// resolves with ErrCancelled. Idempotent once terminal.
func (t *Transaction) Cancel() {
	t.finish(StateCancelled, "cancel", ErrCancelled) //nolint:errcheck
}

// Interrupt marks the transaction lost to a permanent connection close.
// Any outstanding IO call resolves with ErrInterrupted.
func (t *Transaction) Interrupt() {
	t.finish(StateInterrupted, "interrupt", ErrInterrupted) //nolint:errcheck
}

func (t *Transaction) finish(to State, event string, waiterErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		if waiterErr != nil {
			return nil // fail/cancel/interrupt of a finished transaction is a no-op
		}
		return &InvalidTransitionError{From: t.state, Event: event}
	}
	// Completion only makes sense from Running; an outstanding IO call
	// means the handler cannot have returned yet.
	if waiterErr == nil && t.state != StateRunning {
		return &InvalidTransitionError{From: t.state, Event: event}
	}
	if t.waiter != nil {
		t.waiter <- ioResult{err: waiterErr}
		t.waiter = nil
	}
	t.outstanding = nil
	t.state = to
	return nil
}

func (t *Transaction) terminalErr() error {
	switch t.state {
	case StateCancelled:
		return ErrCancelled
	case StateInterrupted:
		return ErrInterrupted
	default:
		return &InvalidTransitionError{From: t.state, Event: "issue IO call"}
	}
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Awaiting reports whether an IO call is outstanding, and its request.
func (t *Transaction) Awaiting() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding, t.state == StateAwaitingInput
}

// Log returns a copy of the answered exchanges so far.
func (t *Transaction) Log() []IOExchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IOExchange, len(t.log))
	copy(out, t.log)
	return out
}
