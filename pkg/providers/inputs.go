package providers

import (
	"fmt"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// Properties recorded on component handles.
const (
	PropertyResourceID  = "resourceId"
	PropertyLocation    = "location"
	PropertyQueueName   = "queueName"
	PropertyQueueURL    = "queueUrl"
	PropertyVaultURI    = "vaultUri"
	PropertyOSDiskName  = "osDiskName"
	PropertyPrivateIP   = "privateIpAddress"
	PropertyVMSize      = "vmSize"
	PropertyNICSubnetID = "subnetId"
)

// DiskCreateInput creates an empty managed OS disk.
type DiskCreateInput struct {
	Location engine.ResourceLocation
	Name     string
	SizeGB   int32
	Sku      string
	Tags     map[string]string
}

// QueueCreateInput creates a storage account and a queue inside it.
type QueueCreateInput struct {
	Location    engine.ResourceLocation
	AccountName string
	QueueName   string
	Tags        map[string]string
}

// NetworkInterfaceCreateInput creates a NIC. Without SubnetID the NIC joins
// the default subnet of its resource group's virtual network.
type NetworkInterfaceCreateInput struct {
	Location engine.ResourceLocation
	Name     string
	SubnetID string
	Tags     map[string]string
}

// KeyVaultCreateInput creates a key vault.
type KeyVaultCreateInput struct {
	Location engine.ResourceLocation
	Name     string
	Tags     map[string]string
}

// Handle builds the provider handle of a resource placed at loc.
func Handle(loc engine.ResourceLocation, name string) engine.AzureResourceInfo {
	return engine.AzureResourceInfo{
		SubscriptionID: loc.SubscriptionID,
		ResourceGroup:  loc.ResourceGroup,
		Name:           name,
	}
}

// ComponentName derives a provider name from a prefix and a resource id.
// Names are truncated to max characters.
func ComponentName(prefix, id string, max int) string {
	name := fmt.Sprintf("%s%s", prefix, stripDashes(id))
	if max > 0 && len(name) > max {
		name = name[:max]
	}
	return name
}

func stripDashes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
