// Package sinks implements progress consumers: structured logging, the
// outcome ledger and outcome notifications. Each satisfies progress.Sink.
package sinks
