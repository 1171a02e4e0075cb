package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"hostlink/codec"
	"hostlink/message"
	"hostlink/metrics"
	"hostlink/transaction"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Runtime executes actions. Each START_TRANSACTION spawns one goroutine
// that owns its Transaction exclusively; the handlers below are invoked
// by the session's single-threaded dispatch loop and only route messages
// to that goroutine.
type Runtime struct {
	registry *Registry
	caller   Caller
	logger   *slog.Logger
	metrics  *metrics.Metrics
	debug    bool // forward raw error text to the host

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	transactions map[string]*transaction.Transaction
	wg           sync.WaitGroup
}

// New creates a runtime whose actions live within ctx: cancelling it
// interrupts every running handler.
func New(ctx context.Context, registry *Registry, caller Caller, logger *slog.Logger, m *metrics.Metrics, debugErrors bool) *Runtime {
	ctx, cancel := context.WithCancel(ctx)
	return &Runtime{
		registry:     registry,
		caller:       caller,
		logger:       logger.With("component", "runtime"),
		metrics:      m,
		debug:        debugErrors,
		ctx:          ctx,
		cancel:       cancel,
		transactions: make(map[string]*transaction.Transaction),
	}
}

// HandleStartTransaction runs an action. The response acknowledges
// acceptance; the outcome arrives later via MARK_TRANSACTION_COMPLETE.
func (r *Runtime) HandleStartTransaction(ctx context.Context, req *message.Message) *message.Message {
	var inputs message.StartTransactionInputs
	if err := json.Unmarshal(req.Data, &inputs); err != nil {
		return errResponse(req, fmt.Sprintf("invalid START_TRANSACTION payload: %v", err))
	}
	if inputs.TransactionID == "" {
		return errResponse(req, "invalid START_TRANSACTION payload: missing transactionId")
	}

	act, err := r.registry.lookup(inputs.Slug)
	if err != nil {
		// No Transaction object is created for an unknown slug.
		r.logger.Warn("slug not found", "slug", inputs.Slug, "transaction", inputs.TransactionID)
		return errResponse(req, err.Error())
	}

	r.mu.Lock()
	if _, exists := r.transactions[inputs.TransactionID]; exists {
		r.mu.Unlock()
		// The host retried a transaction we are already running; answers
		// arrive through IO_RESPONSE, so there is nothing to restart.
		r.logger.Debug("duplicate START_TRANSACTION ignored", "transaction", inputs.TransactionID)
		return okResponse(req)
	}

	replay := make([]transaction.IOExchange, 0, len(inputs.Replay))
	for _, entry := range inputs.Replay {
		replay = append(replay, transaction.IOExchange{Seq: entry.Seq, Response: entry.Response})
	}
	tx := transaction.New(inputs.TransactionID, inputs.Slug, replay)
	r.transactions[inputs.TransactionID] = tx
	r.wg.Add(1)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.TransactionsOpen.Inc()
	}
	go r.runAction(tx, act, inputs)

	return okResponse(req)
}

// HandleIOResponse delivers the user's answer to the transaction's
// outstanding IO call. Late and duplicate answers are logged and dropped.
func (r *Runtime) HandleIOResponse(ctx context.Context, req *message.Message) *message.Message {
	var inputs message.IOResponseInputs
	if err := json.Unmarshal(req.Data, &inputs); err != nil {
		return errResponse(req, fmt.Sprintf("invalid IO_RESPONSE payload: %v", err))
	}

	r.mu.Lock()
	tx := r.transactions[inputs.TransactionID]
	r.mu.Unlock()
	if tx == nil {
		r.logger.Debug("IO response for unknown transaction", "transaction", inputs.TransactionID)
		return okResponse(req)
	}
	if !tx.ResolveIO(inputs.Value) {
		r.logger.Debug("IO response with no outstanding call", "transaction", inputs.TransactionID)
	}
	return okResponse(req)
}

// HandleCancel applies a host-initiated cancellation of one transaction.
// Other transactions are unaffected.
func (r *Runtime) HandleCancel(ctx context.Context, req *message.Message) *message.Message {
	var inputs message.CancelInputs
	if err := json.Unmarshal(req.Data, &inputs); err != nil {
		return errResponse(req, fmt.Sprintf("invalid CANCEL payload: %v", err))
	}

	r.mu.Lock()
	tx := r.transactions[inputs.TransactionID]
	r.mu.Unlock()
	if tx != nil {
		tx.Cancel()
	}
	return okResponse(req)
}

func (r *Runtime) runAction(tx *transaction.Transaction, act action, inputs message.StartTransactionInputs) {
	defer r.wg.Done()
	defer r.forget(tx.ID)

	if err := tx.Begin(); err != nil {
		r.logger.Error("could not begin transaction", "transaction", tx.ID, "error", err)
		return
	}

	var params codec.Value
	if len(inputs.Params) > 0 {
		decoded, err := codec.Decode(inputs.Params)
		if err != nil {
			r.logger.Warn("undecodable transaction params", "transaction", tx.ID, "error", err)
		} else {
			params = decoded
		}
	}

	io := &IO{tx: tx, caller: r.caller}
	actx := &Context{
		TransactionID: tx.ID,
		Slug:          act.slug,
		Environment:   inputs.Environment,
		Params:        params,
		caller:        r.caller,
	}

	result, err := r.invoke(act, io, actx)

	switch {
	case err == nil:
		if cerr := tx.Complete(); cerr != nil {
			r.logger.Error("could not complete transaction", "transaction", tx.ID, "error", cerr)
			return
		}
		if r.metrics != nil {
			r.metrics.TransactionsCompleted.Inc()
		}
		r.markComplete(tx.ID, result, nil)

	case errors.Is(err, transaction.ErrCancelled), errors.Is(err, transaction.ErrInterrupted):
		// The host already knows; nothing to report.
		r.logger.Info("transaction ended early", "transaction", tx.ID, "slug", act.slug, "reason", err)

	default:
		tx.Fail() //nolint:errcheck
		if r.metrics != nil {
			r.metrics.TransactionsFailed.Inc()
		}
		r.logger.Error("action failed", "transaction", tx.ID, "slug", act.slug, "error", err)
		r.markComplete(tx.ID, nil, err)
	}
}

// invoke runs the handler, converting panics into errors. Stack traces
// stay in the local log; the host only ever sees a summary.
func (r *Runtime) invoke(act action, io *IO, actx *Context) (result codec.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in action handler",
				"slug", act.slug, "transaction", actx.TransactionID,
				"panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return act.handler(r.ctx, io, actx)
}

func (r *Runtime) markComplete(txID string, result codec.Value, actionErr error) {
	inputs := message.MarkTransactionCompleteInputs{TransactionID: txID}
	if actionErr != nil {
		inputs.Status = message.StatusFailure
		inputs.Message = r.sanitize(actionErr)
	} else {
		inputs.Status = message.StatusSuccess
		encoded, err := codec.Encode(result)
		if err != nil {
			r.logger.Error("could not encode action result", "transaction", txID, "error", err)
			inputs.Status = message.StatusFailure
			inputs.Message = "action returned an unserializable value"
		} else {
			inputs.Result = encoded
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.caller.Call(ctx, message.MethodMarkTransactionComplete, inputs); err != nil {
		r.logger.Warn("could not report transaction completion", "transaction", txID, "error", err)
	}
}

// sanitize trims what the host learns about a failure unless the debug
// flag explicitly opts into verbatim errors.
func (r *Runtime) sanitize(err error) string {
	if r.debug {
		return err.Error()
	}
	var slug *SlugNotFoundError
	if errors.As(err, &slug) {
		return err.Error()
	}
	return "action failed"
}

func (r *Runtime) forget(txID string) {
	r.mu.Lock()
	delete(r.transactions, txID)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.TransactionsOpen.Dec()
	}
}

// OpenTransactionIDs lists transactions still in flight, for the RESUME
// announcement after a reconnect.
func (r *Runtime) OpenTransactionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.transactions))
	for id := range r.transactions {
		ids = append(ids, id)
	}
	return ids
}

// InterruptAll terminates every open transaction. Called when the session
// is permanently closed.
func (r *Runtime) InterruptAll() {
	r.mu.Lock()
	open := make([]*transaction.Transaction, 0, len(r.transactions))
	for _, tx := range r.transactions {
		open = append(open, tx)
	}
	r.mu.Unlock()

	for _, tx := range open {
		tx.Interrupt()
	}
	r.cancel()
}

// Drain waits until every in-flight handler has finished, up to timeout.
func (r *Runtime) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("runtime: timed out waiting for running actions to finish")
	}
}

func okResponse(req *message.Message) *message.Message {
	return &message.Message{ID: req.ID, Kind: message.KindResponse, Data: []byte("true")}
}

func errResponse(req *message.Message, msg string) *message.Message {
	return &message.Message{ID: req.ID, Kind: message.KindResponse, Error: msg}
}
