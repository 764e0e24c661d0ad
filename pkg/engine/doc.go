// Package engine defines the continuation protocol and the shared vocabulary of
// the cloudenv orchestration engine.
//
// # Continuation protocol
//
// Every long-running operation is expressed as a step function
//
//	(input, token) -> ContinuationResult
//
// A step never blocks for the duration of a provider operation. Instead it
// returns OperationStateInProgress together with a NextInput carrying an opaque
// continuation token and a RetryAfter hint. The caller persists the token and
// invokes the same operation again once RetryAfter has elapsed, until a terminal
// state (Succeeded, Failed, Cancelled) is reported. Terminal results never carry
// a NextInput; ContinuationResult.Validate enforces both rules.
//
// Tokens are produced with EncodeToken and read back with DecodeToken. The wire
// form is a compact JSON envelope tagged with the kind of the issuing
// component, so a token handed to the wrong component is rejected with an
// INVALID_CONTINUATION_TOKEN error instead of being misinterpreted.
//
// # Records
//
// ResourceRecord is the durable aggregate for a provisioned resource. Records
// are versioned: repositories reject writes whose Version no longer matches with
// a conflict error, and callers recover with RetryOnConflict, refetching the
// record on each attempt.
//
// # Errors
//
// EngineError classifies failures as transient, throttled, conflict or
// permanent. Transient and throttled provider errors keep an operation in
// progress with Backoff; conflicts are absorbed by RetryOnConflict; permanent
// errors end the operation.
package engine
