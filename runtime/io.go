package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hostlink/codec"
	"hostlink/message"
	"hostlink/transaction"
)

// Caller issues a client→host RPC and returns the response payload. The
// client layer implements it on top of the correlator, retrying across
// transient disconnects.
type Caller interface {
	Call(ctx context.Context, method string, inputs any) ([]byte, error)
}

// IO is the single choke point every interactive widget call routes
// through. One IO belongs to exactly one transaction.
type IO struct {
	tx     *transaction.Transaction
	caller Caller
}

// RequestInput renders a widget on the host and suspends the calling
// goroutine until the user answers. Exactly one request may be
// outstanding per transaction; a second concurrent call fails fast with
// transaction.ErrIOCallOutstanding.
//
// On a resumed transaction, calls the host already answered are satisfied
// from the replay log without touching the wire.
func (io *IO) RequestInput(ctx context.Context, renderSpec codec.Value) (codec.Value, error) {
	encoded, err := codec.Encode(renderSpec)
	if err != nil {
		return nil, fmt.Errorf("encode render spec: %w", err)
	}

	call, err := io.tx.StartIOCall(encoded)
	if err != nil {
		return nil, err
	}

	if !call.Answered() {
		inputs := message.SendIOCallInputs{
			TransactionID: io.tx.ID,
			Seq:           call.Seq,
			RenderSpec:    encoded,
		}
		if _, err := io.caller.Call(ctx, message.MethodSendIOCall, inputs); err != nil {
			return nil, fmt.Errorf("send IO call: %w", err)
		}
	}

	answer, err := call.Wait(ctx.Done())
	if err != nil {
		return nil, err
	}
	return codec.Decode(answer)
}

// Context carries per-transaction facilities into the handler.
type Context struct {
	TransactionID string
	Slug          string
	Environment   string
	Params        codec.Value

	caller   Caller
	logIndex int
}

// Log sends a host-visible log line attributed to this transaction.
// Failures are swallowed; logging must never break the action.
func (c *Context) Log(args ...any) {
	c.logIndex++
	inputs := message.SendLogInputs{
		TransactionID: c.TransactionID,
		Index:         c.logIndex,
		Data:          fmt.Sprintln(args...),
		Timestamp:     time.Now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.caller.Call(ctx, message.MethodSendLog, inputs) //nolint:errcheck
}

// InputGroupKey returns a fresh opaque key grouping related widget calls,
// for render specs that batch several widgets into one request.
func InputGroupKey() string {
	return uuid.NewString()
}
