// Package metrics exposes the client's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the client reports. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	Reconnects            prometheus.Counter
	CallsInFlight         prometheus.Gauge
	CallsIssued           prometheus.Counter
	CallsFailed           prometheus.Counter
	TransactionsOpen      prometheus.Gauge
	TransactionsCompleted prometheus.Counter
	TransactionsFailed    prometheus.Counter
	IOCalls               prometheus.Counter
	MalformedPayloads     prometheus.Counter
}

// New registers the collectors with reg. Passing nil uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostlink_reconnects_total",
			Help: "Times the host connection was re-established.",
		}),
		CallsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostlink_calls_in_flight",
			Help: "Outbound calls awaiting a host response.",
		}),
		CallsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostlink_calls_issued_total",
			Help: "Outbound calls issued to the host.",
		}),
		CallsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostlink_calls_failed_total",
			Help: "Outbound calls that ended in an error or timeout.",
		}),
		TransactionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostlink_transactions_open",
			Help: "Transactions currently executing.",
		}),
		TransactionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostlink_transactions_completed_total",
			Help: "Transactions that finished successfully.",
		}),
		TransactionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostlink_transactions_failed_total",
			Help: "Transactions that ended in failure.",
		}),
		IOCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostlink_io_calls_total",
			Help: "Input requests sent to the host.",
		}),
		MalformedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostlink_malformed_payloads_total",
			Help: "Inbound frames dropped as malformed.",
		}),
	}
	reg.MustRegister(
		m.Reconnects, m.CallsInFlight, m.CallsIssued, m.CallsFailed,
		m.TransactionsOpen, m.TransactionsCompleted, m.TransactionsFailed,
		m.IOCalls, m.MalformedPayloads,
	)
	return m
}
