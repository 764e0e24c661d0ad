// Package tasks runs periodic, sharded background work.
//
// A task lists its shards every interval and takes a lease per shard, so
// several service instances can run the same task without doing a unit
// twice. Units either run in the ticking process, releasing the lease when
// done, or are enqueued on the task's durable queue for the job worker.
package tasks
