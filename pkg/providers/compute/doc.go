// Package compute exposes virtual machine create, start, delete and
// input-queue lookup as continuation steps over a VM adapter.
package compute
