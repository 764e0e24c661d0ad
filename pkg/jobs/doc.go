// Package jobs drives continuation handlers to completion.
//
// A Handler runs one step and returns an engine.ContinuationResult. The
// Worker runs handlers for durable jobs held in the store: an in-progress
// result reschedules the job with the new token, a terminal result completes
// it, and handler errors are retried with backoff until MaxAttempts.
//
// The Activator runs the same handlers in process on timers, for callers
// that do not need the chain to survive a restart.
package jobs
