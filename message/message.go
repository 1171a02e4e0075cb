// Package message defines the duplex RPC envelope exchanged between the
// client and the host.
//
// Message is the "envelope" for every call in either direction. It gets
// serialized to JSON and carried as a single WebSocket text frame by the
// session layer.
package message

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind distinguishes requests, responses, and one-way notifications.
type Kind string

const (
	KindCall     Kind = "CALL"     // expects a RESPONSE with the same ID
	KindResponse Kind = "RESPONSE" // answers a previously received CALL
	KindNotify   Kind = "NOTIFY"   // one-way, never answered
)

// Methods the host calls on the client.
const (
	MethodStartTransaction = "START_TRANSACTION"
	MethodIOResponse       = "IO_RESPONSE"
	MethodCancel           = "CANCEL"
)

// Methods the client calls on the host.
const (
	MethodInitializeHost          = "INITIALIZE_HOST"
	MethodSendIOCall              = "SEND_IO_CALL"
	MethodMarkTransactionComplete = "MARK_TRANSACTION_COMPLETE"
	MethodResume                  = "RESUME"
	MethodSendLog                 = "SEND_LOG"
	MethodBeginHostShutdown       = "BEGIN_HOST_SHUTDOWN"
	MethodCancelCall              = "CANCEL_CALL"
)

// Message carries the data for a single RPC call or response.
//
//   - On CALL:     Method is set, Data contains the bridge-encoded inputs.
//   - On RESPONSE: ID matches the originating CALL, Data contains the
//     bridge-encoded result, Error is non-empty if the remote handler failed.
//     Responses never originate a new ID.
//   - On NOTIFY:   like CALL, but the peer never answers it.
type Message struct {
	ID     string              `json:"id"`
	Kind   Kind                `json:"kind"`
	Method string              `json:"methodName,omitempty"`
	Data   jsoniter.RawMessage `json:"data,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Marshal serializes the envelope for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a wire frame into an envelope. It only validates JSON
// shape; Data stays raw for the serialization bridge to decode.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Valid reports whether the envelope is well formed: a known kind, an ID,
// and a method name on calls and notifications.
func (m *Message) Valid() bool {
	switch m.Kind {
	case KindCall, KindNotify:
		return m.ID != "" && m.Method != ""
	case KindResponse:
		return m.ID != ""
	default:
		return false
	}
}
