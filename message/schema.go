package message

import (
	jsoniter "github.com/json-iterator/go"
)

// Typed payloads for the protocol methods. Fields holding rich values
// (params, render specs, IO answers, results) stay as raw bytes in the
// serialization bridge's tagged encoding; everything else is plain JSON.

// ActionDefinition describes one registered action to the host.
type ActionDefinition struct {
	Slug     string `json:"slug"`
	Unlisted bool   `json:"unlisted,omitempty"`
}

// InitializeHostInputs is the identity and capability announcement sent
// right after the socket opens, and again after every reconnect.
type InitializeHostInputs struct {
	SDKName    string             `json:"sdkName"`
	SDKVersion string             `json:"sdkVersion"`
	Timestamp  int64              `json:"timestamp"`
	Actions    []ActionDefinition `json:"actions"`
}

type InitializeHostReturns struct {
	Type         string   `json:"type"` // "success" | "error"
	Message      string   `json:"message,omitempty"`
	InvalidSlugs []string `json:"invalidSlugs,omitempty"`
	DashboardURL string   `json:"dashboardUrl,omitempty"`
	Environment  string   `json:"environment,omitempty"`
}

// ReplayEntry is one already-answered IO exchange the host resends when
// restarting a transaction. Response is bridge-encoded.
type ReplayEntry struct {
	Seq      int                 `json:"seq"`
	Response jsoniter.RawMessage `json:"response"`
}

// StartTransactionInputs asks the client to run an action. Replay is
// non-empty only when resuming a transaction the host already answered
// part of.
type StartTransactionInputs struct {
	TransactionID string              `json:"transactionId"`
	Slug          string              `json:"slug"`
	Environment   string              `json:"environment,omitempty"`
	Params        jsoniter.RawMessage `json:"params,omitempty"`
	Replay        []ReplayEntry       `json:"replay,omitempty"`
}

// IOResponseInputs delivers the user's answer to the outstanding IO call
// of a transaction. Value is bridge-encoded.
type IOResponseInputs struct {
	TransactionID string              `json:"transactionId"`
	Value         jsoniter.RawMessage `json:"value"`
}

// CancelInputs is the host-initiated cancellation of one transaction.
type CancelInputs struct {
	TransactionID string `json:"transactionId"`
}

// SendIOCallInputs carries one widget render request to the host.
// RenderSpec is bridge-encoded.
type SendIOCallInputs struct {
	TransactionID string              `json:"transactionId"`
	Seq           int                 `json:"seq"`
	RenderSpec    jsoniter.RawMessage `json:"renderSpec"`
}

// Transaction completion statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// MarkTransactionCompleteInputs reports the final outcome of a
// transaction. Result is bridge-encoded and only set on success; Message
// carries the sanitized error summary on failure.
type MarkTransactionCompleteInputs struct {
	TransactionID string              `json:"transactionId"`
	Status        string              `json:"status"`
	Result        jsoniter.RawMessage `json:"result,omitempty"`
	Message       string              `json:"message,omitempty"`
}

// ResumeInputs announces the transactions the client still considers open
// after a reconnect, so the host can replay whatever the client missed.
type ResumeInputs struct {
	TransactionIDs []string `json:"transactionIds"`
}

// BeginHostShutdownInputs announces that this instance is shutting down
// and should receive no new transactions.
type BeginHostShutdownInputs struct{}

// SendLogInputs is one host-visible log line emitted by a running action.
// Index increases per transaction so the host can order lines that arrive
// out of band.
type SendLogInputs struct {
	TransactionID string `json:"transactionId"`
	Index         int    `json:"index"`
	Data          string `json:"data"`
	Timestamp     int64  `json:"timestamp"`
}
