// Package monitor watches environment state transitions.
//
// Arming a monitor schedules a deferred check, either in process on the
// jobs Activator or as a durable job on QueueID. When the check fires and
// the environment is still in the state it was armed for, the monitor asks
// the environment manager for a corrective transition. An environment that
// has moved on is left alone.
package monitor
