package azure

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
)

const (
	kindResourceGroup  = "resource group"
	kindVirtualNetwork = "virtual network"
	kindInventory      = "inventory"
)

// Infrastructure provisions the resource groups and virtual networks that
// placement assumes exist.
type Infrastructure struct {
	f            *ClientFactory
	network      config.NetworkDefaults
	pollInterval time.Duration
}

var _ providers.Inventory = (*Infrastructure)(nil)

// NewInfrastructure creates the infrastructure bootstrapper.
func NewInfrastructure(f *ClientFactory, networkDefaults config.NetworkDefaults) *Infrastructure {
	return &Infrastructure{f: f, network: networkDefaults, pollInterval: 5 * time.Second}
}

// Ensure creates the placement's resource group and its virtual network
// when missing. An existing virtual network is left untouched.
func (i *Infrastructure) Ensure(ctx context.Context, loc engine.ResourceLocation) error {
	groups, err := clientFor(i.f, "resourceGroups", loc.SubscriptionID, armresources.NewResourceGroupsClient)
	if err != nil {
		return err
	}
	err = i.f.do(ctx, ServiceResources, kindResourceGroup, loc.ResourceGroup, func(ctx context.Context) error {
		_, err := groups.CreateOrUpdate(ctx, loc.ResourceGroup, armresources.ResourceGroup{
			Location: to.Ptr(loc.Location),
			Tags:     map[string]*string{"managed-by": to.Ptr("cloudenv")},
		}, nil)
		return err
	})
	if err != nil {
		return err
	}

	vnets, err := clientFor(i.f, "virtualNetworks", loc.SubscriptionID, armnetwork.NewVirtualNetworksClient)
	if err != nil {
		return err
	}
	err = i.f.do(ctx, ServiceNetwork, kindVirtualNetwork, i.network.VirtualNetwork, func(ctx context.Context) error {
		_, err := vnets.Get(ctx, loc.ResourceGroup, i.network.VirtualNetwork, nil)
		return err
	})
	if err == nil || !engine.IsNotFound(err) {
		return err
	}

	vnet := armnetwork.VirtualNetwork{
		Location: to.Ptr(loc.Location),
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &armnetwork.AddressSpace{
				AddressPrefixes: []*string{to.Ptr(i.network.AddressPrefix)},
			},
			Subnets: []*armnetwork.Subnet{{
				Name: to.Ptr(i.network.Subnet),
				Properties: &armnetwork.SubnetPropertiesFormat{
					AddressPrefix: to.Ptr(i.network.SubnetPrefix),
				},
			}},
		},
	}
	return i.f.do(ctx, ServiceNetwork, kindVirtualNetwork, i.network.VirtualNetwork, func(ctx context.Context) error {
		poller, err := vnets.BeginCreateOrUpdate(ctx, loc.ResourceGroup, i.network.VirtualNetwork, vnet, nil)
		if err != nil {
			return err
		}
		_, err = poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: i.pollInterval})
		return err
	})
}

// ListManaged lists the resources of the group that carry the resource id
// tag, with their creation time.
func (i *Infrastructure) ListManaged(ctx context.Context, subscriptionID, resourceGroup string) ([]providers.ManagedResource, error) {
	client, err := clientFor(i.f, "resources", subscriptionID, armresources.NewClient)
	if err != nil {
		return nil, err
	}
	var out []providers.ManagedResource
	err = i.f.do(ctx, ServiceResources, kindInventory, subscriptionID+"/"+resourceGroup, func(ctx context.Context) error {
		out = out[:0]
		pager := client.NewListByResourceGroupPager(resourceGroup, &armresources.ClientListByResourceGroupOptions{
			Expand: to.Ptr("createdTime"),
		})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, r := range page.Value {
				if r == nil || r.Name == nil || r.Type == nil || deref(r.Tags[compute.TagResourceID]) == "" {
					continue
				}
				t, ok := providers.ResourceTypeOf(*r.Type)
				if !ok {
					continue
				}
				m := providers.ManagedResource{
					Type: t,
					Info: engine.AzureResourceInfo{SubscriptionID: subscriptionID, ResourceGroup: resourceGroup, Name: *r.Name},
				}
				if r.CreatedTime != nil {
					m.CreatedAt = *r.CreatedTime
				}
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}
