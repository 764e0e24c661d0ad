// Package memory is an in-memory cloud implementing every provider adapter.
//
// It backs azure.simulate deployments and the broker, API and job tests.
// Operations stay in progress for a configurable number of checks and
// errors or terminal outcomes can be injected per resource kind.
package memory
