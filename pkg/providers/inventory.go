package providers

import (
	"context"
	"strings"
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// ManagedResource is a provider resource carrying the service's ownership
// tag.
type ManagedResource struct {
	Type      engine.ResourceType
	Info      engine.AzureResourceInfo
	CreatedAt time.Time
}

// Inventory lists what the service created in a resource group, whether or
// not a record still points at it.
type Inventory interface {
	ListManaged(ctx context.Context, subscriptionID, resourceGroup string) ([]ManagedResource, error)
}

var armTypes = map[string]engine.ResourceType{
	"microsoft.compute/virtualmachines":   engine.ResourceTypeComputeVM,
	"microsoft.compute/disks":             engine.ResourceTypeOSDisk,
	"microsoft.network/networkinterfaces": engine.ResourceTypeNetworkInterface,
	"microsoft.storage/storageaccounts":   engine.ResourceTypeInputQueue,
	"microsoft.keyvault/vaults":           engine.ResourceTypeKeyVault,
}

// ResourceTypeOf maps an ARM resource type onto the resource type that
// creates it. Unmanaged kinds report false.
func ResourceTypeOf(armType string) (engine.ResourceType, bool) {
	t, ok := armTypes[strings.ToLower(armType)]
	return t, ok
}
