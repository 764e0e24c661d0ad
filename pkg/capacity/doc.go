// Package capacity places new resources on a subscription, resource group
// and location with enough quota.
//
// The Manager only reads usage recorded in the store; the Refresher keeps
// that usage current from the provider. A selection fails with
// LOCATION_NOT_AVAILABLE when no enabled subscription serves the location
// and with NO_CAPACITY when none has headroom for every criterion.
package capacity
