// Package stores provides the SQLite persistence layer for cloudenv.
// It holds resource and environment records with versioned writes, the
// durable delayed job queue, shard leases and cached capacity usage.
package stores
