package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
)

const kindNetworkInterface = "network interface"

// NetworkInterfaces is the ARM adapter for NICs.
type NetworkInterfaces struct {
	f       *ClientFactory
	network config.NetworkDefaults
}

var _ providers.Manager[*providers.NetworkInterfaceCreateInput] = (*NetworkInterfaces)(nil)

// NewNetworkInterfaces creates the NIC adapter.
func NewNetworkInterfaces(f *ClientFactory, networkDefaults config.NetworkDefaults) *NetworkInterfaces {
	return &NetworkInterfaces{f: f, network: networkDefaults}
}

func (n *NetworkInterfaces) run(ctx context.Context, subscriptionID, name string, fn func(ctx context.Context, client *armnetwork.InterfacesClient) error) error {
	client, err := clientFor(n.f, "interfaces", subscriptionID, armnetwork.NewInterfacesClient)
	if err != nil {
		return err
	}
	return n.f.do(ctx, ServiceNetwork, kindNetworkInterface, name, func(ctx context.Context) error {
		return fn(ctx, client)
	})
}

// BeginCreate creates a NIC with one dynamic private address. The subnet
// may live in another subscription.
func (n *NetworkInterfaces) BeginCreate(ctx context.Context, input *providers.NetworkInterfaceCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.Name == "" {
		return "", nil, engine.NewValidationError("network interface name is required")
	}
	loc := input.Location
	subnetID := input.SubnetID
	if subnetID == "" {
		subnetID = DefaultSubnetID(loc.SubscriptionID, loc.ResourceGroup, n.network)
	} else if _, err := engine.ParseSubnetID(subnetID); err != nil {
		return "", nil, err
	}

	nic := armnetwork.Interface{
		Location: to.Ptr(loc.Location),
		Tags:     tagPtrs(input.Tags),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("ipconfig1"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					Primary:                   to.Ptr(true),
					PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethod("Dynamic")),
					Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnetID)},
				},
			}},
		},
	}

	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	handle := withProperties(providers.Handle(loc, input.Name), providers.PropertyNICSubnetID, subnetID)
	err := n.run(ctx, loc.SubscriptionID, input.Name, func(ctx context.Context, client *armnetwork.InterfacesClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, loc.ResourceGroup, input.Name, nic, nil)
		if err != nil {
			return err
		}
		s, out, res, err := progress(ctx, poller, engine.NextStageInput{ResourceInfo: handle}, false)
		if err != nil {
			return err
		}
		if res != nil {
			out.ResourceInfo = describeNIC(out.ResourceInfo, &res.Interface)
		}
		state, next = s, out
		return nil
	})
	return state, next, err
}

// CheckCreateStatus polls a NIC create.
func (n *NetworkInterfaces) CheckCreateStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = n.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armnetwork.InterfacesClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, info.ResourceGroup, info.Name, armnetwork.Interface{},
			&armnetwork.InterfacesClientBeginCreateOrUpdateOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		s, o, res, err := progress(ctx, poller, *next, true)
		if err != nil {
			return err
		}
		if res != nil {
			o.ResourceInfo = describeNIC(o.ResourceInfo, &res.Interface)
		}
		state, out = s, o
		return nil
	})
	return state, out, err
}

// BeginDelete deletes a NIC.
func (n *NetworkInterfaces) BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err := n.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armnetwork.InterfacesClient) error {
		poller, err := client.BeginDelete(ctx, info.ResourceGroup, info.Name, nil)
		if err != nil {
			return err
		}
		state, next, _, err = progress(ctx, poller, engine.NextStageInput{ResourceInfo: *info}, false)
		return err
	})
	return state, next, err
}

// CheckDeleteStatus polls a NIC delete.
func (n *NetworkInterfaces) CheckDeleteStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = n.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armnetwork.InterfacesClient) error {
		poller, err := client.BeginDelete(ctx, info.ResourceGroup, info.Name,
			&armnetwork.InterfacesClientBeginDeleteOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		state, out, _, err = progress(ctx, poller, *next, true)
		return err
	})
	return state, out, err
}

func describeNIC(info engine.AzureResourceInfo, nic *armnetwork.Interface) engine.AzureResourceInfo {
	var privateIP string
	if p := nic.Properties; p != nil && len(p.IPConfigurations) > 0 {
		if c := p.IPConfigurations[0]; c != nil && c.Properties != nil {
			privateIP = deref(c.Properties.PrivateIPAddress)
		}
	}
	return withProperties(info,
		providers.PropertyResourceID, deref(nic.ID),
		providers.PropertyLocation, deref(nic.Location),
		providers.PropertyPrivateIP, privateIP,
	)
}
