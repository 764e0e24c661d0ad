// Package api exposes resource, environment and heartbeat operations over
// HTTP. Long running resource operations are accepted and handed to the
// durable job queue; callers poll the resource record for progress.
package api
