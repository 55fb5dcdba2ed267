// Package sink defines the delivery contract for replayed records.
//
// A Sink takes one batch at a time and delivers it to the live pipeline,
// classifying the result as success, transient failure, or fatal failure.
// Sinks never retry internally; retry policy belongs to the caller so that
// it stays centralized and testable. The two implementations live in the
// capture (HTTP, at-least-once) and kafka (transactional, exactly-once per
// batch) subpackages.
package sink

import (
	"context"
	"encoding/json"
)

// Outcome classifies the result of delivering one batch.
type Outcome string

const (
	// OutcomeSuccess means the whole batch was accepted and the caller may
	// advance its checkpoint past it.
	OutcomeSuccess Outcome = "success"

	// OutcomeTransient means delivery failed in a way that is safe to
	// retry with the same batch (network hiccup, throttling, broker blip).
	OutcomeTransient Outcome = "transient_failure"

	// OutcomeFatal means the sink rejected the batch permanently; retrying
	// the same batch would fail the same way.
	OutcomeFatal Outcome = "fatal_failure"
)

// String returns the outcome as its wire value.
func (o Outcome) String() string {
	return string(o)
}

// SendResult is the classified result of a Send call. Err is nil exactly
// when Outcome is OutcomeSuccess.
type SendResult struct {
	Outcome Outcome
	Err     error
}

// Ok returns a successful SendResult.
func Ok() SendResult {
	return SendResult{Outcome: OutcomeSuccess}
}

// Transient returns a retryable SendResult carrying the cause.
func Transient(err error) SendResult {
	return SendResult{Outcome: OutcomeTransient, Err: err}
}

// Fatal returns a non-retryable SendResult carrying the cause.
func Fatal(err error) SendResult {
	return SendResult{Outcome: OutcomeFatal, Err: err}
}

// Sink delivers batches of records to the live analytics pipeline.
//
// Send delivers records as one unit and classifies the outcome. A batch is
// never partially accepted: the capture sink treats partial acceptance as
// failure of the whole batch, and the kafka sink wraps the batch in a
// producer transaction. Implementations must not retry internally.
//
// Close releases any connections held by the sink. A sink serves a single
// import run and is not safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, records []json.RawMessage) SendResult
	Close() error
}
