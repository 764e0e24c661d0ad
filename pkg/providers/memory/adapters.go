package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
)

// VirtualMachines simulates the VM adapter.
type VirtualMachines struct{ c *Cloud }

// Disks simulates the managed disk adapter.
type Disks struct{ c *Cloud }

// NetworkInterfaces simulates the NIC adapter.
type NetworkInterfaces struct{ c *Cloud }

// Queues simulates the input queue adapter.
type Queues struct{ c *Cloud }

// KeyVaults simulates the key vault adapter.
type KeyVaults struct{ c *Cloud }

var (
	_ compute.VirtualMachineManager                            = VirtualMachines{}
	_ providers.Manager[*providers.DiskCreateInput]             = Disks{}
	_ providers.Manager[*providers.NetworkInterfaceCreateInput] = NetworkInterfaces{}
	_ providers.Manager[*providers.QueueCreateInput]            = Queues{}
	_ providers.Manager[*providers.KeyVaultCreateInput]         = KeyVaults{}
)

// VirtualMachines returns the VM adapter.
func (c *Cloud) VirtualMachines() VirtualMachines { return VirtualMachines{c} }

// Disks returns the disk adapter.
func (c *Cloud) Disks() Disks { return Disks{c} }

// NetworkInterfaces returns the NIC adapter.
func (c *Cloud) NetworkInterfaces() NetworkInterfaces { return NetworkInterfaces{c} }

// Queues returns the queue adapter.
func (c *Cloud) Queues() Queues { return Queues{c} }

// KeyVaults returns the key vault adapter.
func (c *Cloud) KeyVaults() KeyVaults { return KeyVaults{c} }

func (v VirtualMachines) BeginCreate(_ context.Context, spec *compute.VirtualMachineSpec) (engine.OperationState, *engine.NextStageInput, error) {
	if spec.Name == "" || spec.Size == "" {
		return "", nil, engine.NewValidationError("virtual machine name and size are required")
	}
	c := v.c
	c.mu.Lock()
	defer c.mu.Unlock()

	var extra []Resource
	osDisk := spec.Name + "-osdisk"
	if spec.OSDisk != nil {
		disk, err := c.existing(KindDisk, "managed disk", spec.OSDisk)
		if err != nil {
			return "", nil, err
		}
		if owner := c.diskOwner(disk); owner != "" && !strings.EqualFold(owner, spec.Name) {
			return "", nil, engine.NewConflictError(fmt.Sprintf("disk %s is attached to %s", disk.Name, owner), nil)
		}
		osDisk = disk.Name
	} else {
		extra = append(extra, c.resource(KindDisk, spec.Location, osDisk, nil))
	}

	var ip string
	for i := range spec.NetworkInterfaces {
		nic, err := c.existing(KindNetworkInterface, "network interface", &spec.NetworkInterfaces[i])
		if err != nil {
			return "", nil, err
		}
		if ip == "" {
			ip = nic.Properties[providers.PropertyPrivateIP]
		}
	}
	if ip == "" {
		ip = c.nextIP()
	}

	vm := c.resource(KindVirtualMachine, spec.Location, spec.Name, spec.Tags,
		providers.PropertyVMSize, spec.Size,
		providers.PropertyOSDiskName, osDisk,
		providers.PropertyPrivateIP, ip,
	)
	return c.begin(operation{
		Kind:     KindVirtualMachine,
		Action:   ActionCreate,
		Key:      key(KindVirtualMachine, vm.SubscriptionID, vm.ResourceGroup, vm.Name),
		Resource: vm,
		Extra:    extra,
	})
}

func (v VirtualMachines) CheckCreateStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return v.c.check(KindVirtualMachine, ActionCreate, next)
}

func (v VirtualMachines) BeginDelete(_ context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	return v.c.deleteOp(KindVirtualMachine, "virtual machine", info)
}

func (v VirtualMachines) CheckDeleteStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return v.c.check(KindVirtualMachine, ActionDelete, next)
}

func (v VirtualMachines) BeginStartCompute(_ context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	c := v.c
	c.mu.Lock()
	defer c.mu.Unlock()

	vm, err := c.existing(KindVirtualMachine, "virtual machine", info)
	if err != nil {
		return "", nil, err
	}
	return c.begin(operation{
		Kind:     KindVirtualMachine,
		Action:   ActionStart,
		Key:      key(KindVirtualMachine, vm.SubscriptionID, vm.ResourceGroup, vm.Name),
		Resource: vm,
	})
}

func (v VirtualMachines) CheckStartComputeStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return v.c.check(KindVirtualMachine, ActionStart, next)
}

func (d Disks) BeginCreate(_ context.Context, input *providers.DiskCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.Name == "" {
		return "", nil, engine.NewValidationError("disk name is required")
	}
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()

	disk := c.resource(KindDisk, input.Location, input.Name, input.Tags)
	return c.begin(operation{
		Kind:     KindDisk,
		Action:   ActionCreate,
		Key:      key(KindDisk, disk.SubscriptionID, disk.ResourceGroup, disk.Name),
		Resource: disk,
	})
}

func (d Disks) CheckCreateStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return d.c.check(KindDisk, ActionCreate, next)
}

// BeginDelete rejects disks still attached to a virtual machine.
func (d Disks) BeginDelete(_ context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	c := d.c
	c.mu.Lock()
	disk, err := c.existing(KindDisk, "managed disk", info)
	if err == nil {
		if owner := c.diskOwner(disk); owner != "" {
			err = engine.NewConflictError(fmt.Sprintf("disk %s is attached to %s", disk.Name, owner), nil)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return "", nil, err
	}
	return c.deleteOp(KindDisk, "managed disk", info)
}

func (d Disks) CheckDeleteStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return d.c.check(KindDisk, ActionDelete, next)
}

func (n NetworkInterfaces) BeginCreate(_ context.Context, input *providers.NetworkInterfaceCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.Name == "" {
		return "", nil, engine.NewValidationError("network interface name is required")
	}
	if input.SubnetID != "" {
		if _, err := engine.ParseSubnetID(input.SubnetID); err != nil {
			return "", nil, err
		}
	}
	c := n.c
	c.mu.Lock()
	defer c.mu.Unlock()

	nic := c.resource(KindNetworkInterface, input.Location, input.Name, input.Tags,
		providers.PropertyPrivateIP, c.nextIP(),
		providers.PropertyNICSubnetID, input.SubnetID,
	)
	return c.begin(operation{
		Kind:     KindNetworkInterface,
		Action:   ActionCreate,
		Key:      key(KindNetworkInterface, nic.SubscriptionID, nic.ResourceGroup, nic.Name),
		Resource: nic,
	})
}

func (n NetworkInterfaces) CheckCreateStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return n.c.check(KindNetworkInterface, ActionCreate, next)
}

func (n NetworkInterfaces) BeginDelete(_ context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	return n.c.deleteOp(KindNetworkInterface, "network interface", info)
}

func (n NetworkInterfaces) CheckDeleteStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return n.c.check(KindNetworkInterface, ActionDelete, next)
}

func (q Queues) BeginCreate(_ context.Context, input *providers.QueueCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.AccountName == "" || input.QueueName == "" {
		return "", nil, engine.NewValidationError("storage account and queue names are required")
	}
	c := q.c
	c.mu.Lock()
	defer c.mu.Unlock()

	account := c.resource(KindStorageAccount, input.Location, input.AccountName, input.Tags,
		providers.PropertyQueueName, input.QueueName,
		providers.PropertyQueueURL, fmt.Sprintf("https://%s.queue.core.windows.net/%s", input.AccountName, input.QueueName),
	)
	return c.begin(operation{
		Kind:     KindStorageAccount,
		Action:   ActionCreate,
		Key:      key(KindStorageAccount, account.SubscriptionID, account.ResourceGroup, account.Name),
		Resource: account,
	})
}

func (q Queues) CheckCreateStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return q.c.check(KindStorageAccount, ActionCreate, next)
}

func (q Queues) BeginDelete(_ context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	return q.c.deleteOp(KindStorageAccount, "input queue", info)
}

func (q Queues) CheckDeleteStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return q.c.check(KindStorageAccount, ActionDelete, next)
}

func (k KeyVaults) BeginCreate(_ context.Context, input *providers.KeyVaultCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.Name == "" {
		return "", nil, engine.NewValidationError("key vault name is required")
	}
	c := k.c
	c.mu.Lock()
	defer c.mu.Unlock()

	vault := c.resource(KindKeyVault, input.Location, input.Name, input.Tags,
		providers.PropertyVaultURI, fmt.Sprintf("https://%s.vault.azure.net/", input.Name),
	)
	return c.begin(operation{
		Kind:     KindKeyVault,
		Action:   ActionCreate,
		Key:      key(KindKeyVault, vault.SubscriptionID, vault.ResourceGroup, vault.Name),
		Resource: vault,
	})
}

func (k KeyVaults) CheckCreateStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return k.c.check(KindKeyVault, ActionCreate, next)
}

func (k KeyVaults) BeginDelete(_ context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	return k.c.deleteOp(KindKeyVault, "key vault", info)
}

func (k KeyVaults) CheckDeleteStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return k.c.check(KindKeyVault, ActionDelete, next)
}

// diskOwner returns the virtual machine a disk is attached to.
func (c *Cloud) diskOwner(disk Resource) string {
	for _, vm := range c.List(KindVirtualMachine) {
		if strings.EqualFold(vm.SubscriptionID, disk.SubscriptionID) &&
			strings.EqualFold(vm.ResourceGroup, disk.ResourceGroup) &&
			strings.EqualFold(vm.Properties[providers.PropertyOSDiskName], disk.Name) {
			return vm.Name
		}
	}
	return ""
}

var _ providers.Inventory = (*Cloud)(nil)

// ListManaged implements providers.Inventory over the simulated resources
// tagged with a resource id.
func (c *Cloud) ListManaged(_ context.Context, subscriptionID, resourceGroup string) ([]providers.ManagedResource, error) {
	var out []providers.ManagedResource
	for _, r := range c.resources.Filter(func(r Resource) bool {
		return strings.EqualFold(r.SubscriptionID, subscriptionID) && strings.EqualFold(r.ResourceGroup, resourceGroup)
	}) {
		t, ok := providers.ResourceTypeOf(r.Kind)
		if !ok || r.Tags[compute.TagResourceID] == "" {
			continue
		}
		info := r.Handle()
		info.Properties = nil
		out = append(out, providers.ManagedResource{Type: t, Info: info, CreatedAt: r.CreatedAt})
	}
	return out, nil
}
