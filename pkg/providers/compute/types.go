package compute

import (
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
)

// Tag keys stamped on every virtual machine.
const (
	TagResourceID = "cloudenv-resource-id"
	TagInputQueue = "cloudenv-input-queue"
)

// VirtualMachineSpec is the adapter input for creating a virtual machine.
type VirtualMachineSpec struct {
	Location engine.ResourceLocation
	Name     string
	Size     string

	// OSDisk attaches an existing managed disk. When nil the adapter creates
	// one from the configured image and reports its name in the
	// osDiskName property of the returned handle.
	OSDisk *engine.AzureResourceInfo

	// NetworkInterfaces are bound in order; the first is primary. When
	// empty the adapter creates a NIC in the VM's own resource group.
	NetworkInterfaces []engine.AzureResourceInfo

	InputQueue *engine.AzureResourceInfo
	Tags       map[string]string
}

// Handle returns the handle the VM will have once created.
func (s *VirtualMachineSpec) Handle() engine.AzureResourceInfo {
	return providers.Handle(s.Location, s.Name)
}

// VirtualMachineManager is the adapter contract for virtual machines.
type VirtualMachineManager interface {
	providers.Manager[*VirtualMachineSpec]
	providers.Starter
}

// CreateInput requests a virtual machine for a compute resource record.
// Components holds the parts created ahead of the VM.
type CreateInput struct {
	ResourceID string
	Location   engine.ResourceLocation
	SkuName    string
	Components map[string]engine.ResourceComponent
	Tags       map[string]string
}

// StartInput starts a deallocated virtual machine.
type StartInput struct {
	ResourceID   string
	ResourceInfo *engine.AzureResourceInfo
}

// DeleteInput removes a virtual machine. ResourceInfo is nil when creation
// never got far enough to produce a handle.
type DeleteInput struct {
	ResourceID   string
	ResourceInfo *engine.AzureResourceInfo
	Components   map[string]engine.ResourceComponent
}

// GetInputQueueInput resolves the input queue of a compute resource.
type GetInputQueueInput struct {
	ResourceID string
	Components map[string]engine.ResourceComponent
}

// QueueInfo is the connection information of an input queue.
type QueueInfo struct {
	SubscriptionID string `json:"subscriptionId"`
	ResourceGroup  string `json:"resourceGroup"`
	AccountName    string `json:"accountName"`
	QueueName      string `json:"queueName"`
	QueueURL       string `json:"queueUrl"`
}
