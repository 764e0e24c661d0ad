// Package broker creates, starts and deletes cloud resources as
// continuation steps.
//
// Requests are dispatched on their resource type to a Strategy held in a
// Registry. Component strategies (OS disk, input queue, network interface,
// key vault) drive one provider adapter each. The ComputeVM strategy is a
// composite: it creates its components concurrently, waits until all of
// them are terminal, and only then creates the virtual machine that binds
// them.
//
// Every step returns an engine.ContinuationResult. The token of an
// in-progress result carries the strategy input and the progress made, so
// a step can be resumed by any process after a restart.
package broker
