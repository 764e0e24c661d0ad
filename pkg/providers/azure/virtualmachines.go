package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
)

const kindVirtualMachine = "virtual machine"

// VirtualMachines is the ARM adapter for virtual machines.
type VirtualMachines struct {
	f       *ClientFactory
	compute config.ComputeDefaults
	network config.NetworkDefaults
}

var _ compute.VirtualMachineManager = (*VirtualMachines)(nil)

// NewVirtualMachines creates the VM adapter.
func NewVirtualMachines(f *ClientFactory, computeDefaults config.ComputeDefaults, networkDefaults config.NetworkDefaults) *VirtualMachines {
	return &VirtualMachines{f: f, compute: computeDefaults, network: networkDefaults}
}

func (v *VirtualMachines) run(ctx context.Context, subscriptionID, name string, fn func(ctx context.Context, client *armcompute.VirtualMachinesClient) error) error {
	client, err := clientFor(v.f, "virtualMachines", subscriptionID, armcompute.NewVirtualMachinesClient)
	if err != nil {
		return err
	}
	return v.f.do(ctx, ServiceCompute, kindVirtualMachine, name, func(ctx context.Context) error {
		return fn(ctx, client)
	})
}

// BeginCreate submits the VM. A named OS disk is attached; otherwise one is
// created from the configured image.
func (v *VirtualMachines) BeginCreate(ctx context.Context, spec *compute.VirtualMachineSpec) (engine.OperationState, *engine.NextStageInput, error) {
	vm, err := v.build(spec)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err = v.run(ctx, spec.Location.SubscriptionID, spec.Name, func(ctx context.Context, client *armcompute.VirtualMachinesClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, spec.Location.ResourceGroup, spec.Name, vm, nil)
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, engine.NextStageInput{ResourceInfo: spec.Handle()}, false)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeVM(n.ResourceInfo, &res.VirtualMachine)
		}
		state, next = s, n
		return nil
	})
	return state, next, err
}

// CheckCreateStatus polls a VM create.
func (v *VirtualMachines) CheckCreateStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = v.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.VirtualMachinesClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, info.ResourceGroup, info.Name, armcompute.VirtualMachine{},
			&armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, *next, true)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeVM(n.ResourceInfo, &res.VirtualMachine)
		}
		state, out = s, n
		return nil
	})
	return state, out, err
}

// BeginDelete submits a VM delete. The OS disk is detached, not deleted.
func (v *VirtualMachines) BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err := v.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.VirtualMachinesClient) error {
		poller, err := client.BeginDelete(ctx, info.ResourceGroup, info.Name, nil)
		if err != nil {
			return err
		}
		state, next, _, err = progress(ctx, poller, engine.NextStageInput{ResourceInfo: *info}, false)
		return err
	})
	return state, next, err
}

// CheckDeleteStatus polls a VM delete.
func (v *VirtualMachines) CheckDeleteStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = v.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.VirtualMachinesClient) error {
		poller, err := client.BeginDelete(ctx, info.ResourceGroup, info.Name,
			&armcompute.VirtualMachinesClientBeginDeleteOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		state, out, _, err = progress(ctx, poller, *next, true)
		return err
	})
	return state, out, err
}

// BeginStartCompute starts a deallocated VM.
func (v *VirtualMachines) BeginStartCompute(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err := v.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.VirtualMachinesClient) error {
		poller, err := client.BeginStart(ctx, info.ResourceGroup, info.Name, nil)
		if err != nil {
			return err
		}
		state, next, _, err = progress(ctx, poller, engine.NextStageInput{ResourceInfo: *info}, false)
		return err
	})
	return state, next, err
}

// CheckStartComputeStatus polls a VM start.
func (v *VirtualMachines) CheckStartComputeStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = v.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.VirtualMachinesClient) error {
		poller, err := client.BeginStart(ctx, info.ResourceGroup, info.Name,
			&armcompute.VirtualMachinesClientBeginStartOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		state, out, _, err = progress(ctx, poller, *next, true)
		return err
	})
	return state, out, err
}

func (v *VirtualMachines) build(spec *compute.VirtualMachineSpec) (armcompute.VirtualMachine, error) {
	if spec.Name == "" || spec.Size == "" {
		return armcompute.VirtualMachine{}, engine.NewValidationError("virtual machine name and size are required")
	}
	loc := spec.Location

	props := &armcompute.VirtualMachineProperties{
		HardwareProfile: &armcompute.HardwareProfile{
			VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(spec.Size)),
		},
	}

	if spec.OSDisk != nil {
		props.StorageProfile = &armcompute.StorageProfile{
			OSDisk: &armcompute.OSDisk{
				Name:         to.Ptr(spec.OSDisk.Name),
				CreateOption: to.Ptr(armcompute.DiskCreateOptionTypes("Attach")),
				OSType:       to.Ptr(armcompute.OperatingSystemTypes("Linux")),
				ManagedDisk: &armcompute.ManagedDiskParameters{
					ID: to.Ptr(resourceID(spec.OSDisk, "Microsoft.Compute/disks")),
				},
			},
		}
	} else {
		props.StorageProfile = &armcompute.StorageProfile{
			ImageReference: &armcompute.ImageReference{
				Publisher: to.Ptr(v.compute.ImagePublisher),
				Offer:     to.Ptr(v.compute.ImageOffer),
				SKU:       to.Ptr(v.compute.ImageSku),
				Version:   to.Ptr(v.compute.ImageVersion),
			},
			OSDisk: &armcompute.OSDisk{
				Name:         to.Ptr(spec.Name + "-osdisk"),
				CreateOption: to.Ptr(armcompute.DiskCreateOptionTypes("FromImage")),
				DeleteOption: to.Ptr(armcompute.DiskDeleteOptionTypes("Detach")),
				DiskSizeGB:   to.Ptr(v.compute.OSDiskSizeGB),
				ManagedDisk: &armcompute.ManagedDiskParameters{
					StorageAccountType: to.Ptr(armcompute.StorageAccountTypes(v.compute.DiskSku)),
				},
			},
		}
		props.OSProfile = v.osProfile(spec.Name)
	}

	if len(spec.NetworkInterfaces) > 0 {
		refs := make([]*armcompute.NetworkInterfaceReference, 0, len(spec.NetworkInterfaces))
		for i := range spec.NetworkInterfaces {
			nic := spec.NetworkInterfaces[i]
			refs = append(refs, &armcompute.NetworkInterfaceReference{
				ID: to.Ptr(resourceID(&nic, "Microsoft.Network/networkInterfaces")),
				Properties: &armcompute.NetworkInterfaceReferenceProperties{
					Primary: to.Ptr(i == 0),
				},
			})
		}
		props.NetworkProfile = &armcompute.NetworkProfile{NetworkInterfaces: refs}
	} else {
		// Without a NIC component the VM gets a NIC of its own on the
		// resource group's default subnet, removed together with the VM.
		props.NetworkProfile = &armcompute.NetworkProfile{
			NetworkAPIVersion: to.Ptr(armcompute.NetworkAPIVersion("2020-11-01")),
			NetworkInterfaceConfigurations: []*armcompute.VirtualMachineNetworkInterfaceConfiguration{{
				Name: to.Ptr(spec.Name + "-nic"),
				Properties: &armcompute.VirtualMachineNetworkInterfaceConfigurationProperties{
					Primary:      to.Ptr(true),
					DeleteOption: to.Ptr(armcompute.DeleteOptions("Delete")),
					IPConfigurations: []*armcompute.VirtualMachineNetworkInterfaceIPConfiguration{{
						Name: to.Ptr("ipconfig1"),
						Properties: &armcompute.VirtualMachineNetworkInterfaceIPConfigurationProperties{
							Primary: to.Ptr(true),
							Subnet: &armcompute.SubResource{
								ID: to.Ptr(DefaultSubnetID(loc.SubscriptionID, loc.ResourceGroup, v.network)),
							},
						},
					}},
				},
			}},
		}
	}

	return armcompute.VirtualMachine{
		Location:   to.Ptr(loc.Location),
		Tags:       tagPtrs(spec.Tags),
		Properties: props,
	}, nil
}

func (v *VirtualMachines) osProfile(name string) *armcompute.OSProfile {
	profile := &armcompute.OSProfile{
		ComputerName:  to.Ptr(name),
		AdminUsername: to.Ptr(v.compute.AdminUsername),
	}
	if v.compute.SSHPublicKey != "" {
		profile.LinuxConfiguration = &armcompute.LinuxConfiguration{
			DisablePasswordAuthentication: to.Ptr(true),
			SSH: &armcompute.SSHConfiguration{
				PublicKeys: []*armcompute.SSHPublicKey{{
					Path:    to.Ptr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", v.compute.AdminUsername)),
					KeyData: to.Ptr(v.compute.SSHPublicKey),
				}},
			},
		}
	}
	return profile
}

func describeVM(info engine.AzureResourceInfo, vm *armcompute.VirtualMachine) engine.AzureResourceInfo {
	var size, osDisk string
	if p := vm.Properties; p != nil {
		if p.HardwareProfile != nil && p.HardwareProfile.VMSize != nil {
			size = string(*p.HardwareProfile.VMSize)
		}
		if p.StorageProfile != nil && p.StorageProfile.OSDisk != nil {
			osDisk = deref(p.StorageProfile.OSDisk.Name)
		}
	}
	return withProperties(info,
		providers.PropertyResourceID, deref(vm.ID),
		providers.PropertyLocation, deref(vm.Location),
		providers.PropertyVMSize, size,
		providers.PropertyOSDiskName, osDisk,
	)
}

// resourceID returns the ARM id of a handle, preferring the one the
// provider reported.
func resourceID(info *engine.AzureResourceInfo, providerType string) string {
	if id := info.Properties[providers.PropertyResourceID]; id != "" {
		return id
	}
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s",
		info.SubscriptionID, info.ResourceGroup, providerType, info.Name)
}

// DefaultSubnetID is the subnet NICs without an explicit subnet join.
func DefaultSubnetID(subscriptionID, resourceGroup string, n config.NetworkDefaults) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/virtualNetworks/%s/subnets/%s",
		subscriptionID, resourceGroup, n.VirtualNetwork, n.Subnet)
}
