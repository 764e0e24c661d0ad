// Package azure implements the provider adapters against Azure Resource
// Manager.
//
// Every adapter maps one begin/check pair onto an ARM long-running
// operation: the begin call submits the request and returns the poller's
// resume token, and the check call resumes the poller from that token and
// polls it once. Nothing blocks until the provider finishes.
//
// Calls go through a ClientFactory, which caches clients per subscription,
// runs every request behind a per-service circuit breaker, and maps ARM
// errors onto the engine error classes (404 to NOT_FOUND, 409 to conflict,
// 429 to throttled, 5xx and transport failures to transient).
package azure
