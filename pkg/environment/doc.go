// Package environment owns the lifecycle state of cloud environments.
//
// All state changes go through the Manager, which checks them against the
// directional transition table and writes them with optimistic concurrency.
// Heartbeats from the agent inside an environment are reduced to a running
// predicate and may promote, demote or suspend the environment.
package environment
