package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"

	"github.com/openfroyo/cloudenv/pkg/capacity"
	"github.com/openfroyo/cloudenv/pkg/engine"
)

const kindUsage = "usage"

// Usages reads compute, network and storage quota usage.
type Usages struct {
	f *ClientFactory
}

var _ capacity.UsageSource = (*Usages)(nil)

// NewUsages creates the usage source.
func NewUsages(f *ClientFactory) *Usages {
	return &Usages{f: f}
}

// ListUsages returns every quota of the subscription in location.
func (u *Usages) ListUsages(ctx context.Context, subscriptionID, location string) ([]capacity.Usage, error) {
	var out []capacity.Usage

	computeUsages, err := u.compute(ctx, subscriptionID, location)
	if err != nil {
		return nil, err
	}
	out = append(out, computeUsages...)

	networkUsages, err := u.network(ctx, subscriptionID, location)
	if err != nil {
		return nil, err
	}
	out = append(out, networkUsages...)

	storageUsages, err := u.storage(ctx, subscriptionID, location)
	if err != nil {
		return nil, err
	}
	return append(out, storageUsages...), nil
}

func (u *Usages) compute(ctx context.Context, subscriptionID, location string) ([]capacity.Usage, error) {
	client, err := clientFor(u.f, "computeUsage", subscriptionID, armcompute.NewUsageClient)
	if err != nil {
		return nil, err
	}
	var out []capacity.Usage
	err = u.f.do(ctx, ServiceCompute, kindUsage, subscriptionID+"/"+location, func(ctx context.Context) error {
		pager := client.NewListPager(location, nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, v := range page.Value {
				if v == nil || v.Name == nil {
					continue
				}
				out = append(out, usage(engine.ServiceTypeCompute, v.Name.Value, int64(deref32(v.CurrentValue)), deref64(v.Limit)))
			}
		}
		return nil
	})
	return out, err
}

func (u *Usages) network(ctx context.Context, subscriptionID, location string) ([]capacity.Usage, error) {
	client, err := clientFor(u.f, "networkUsage", subscriptionID, armnetwork.NewUsagesClient)
	if err != nil {
		return nil, err
	}
	var out []capacity.Usage
	err = u.f.do(ctx, ServiceNetwork, kindUsage, subscriptionID+"/"+location, func(ctx context.Context) error {
		pager := client.NewListPager(location, nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, v := range page.Value {
				if v == nil || v.Name == nil {
					continue
				}
				out = append(out, usage(engine.ServiceTypeNetwork, v.Name.Value, deref64(v.CurrentValue), deref64(v.Limit)))
			}
		}
		return nil
	})
	return out, err
}

func (u *Usages) storage(ctx context.Context, subscriptionID, location string) ([]capacity.Usage, error) {
	client, err := clientFor(u.f, "storageUsage", subscriptionID, armstorage.NewUsagesClient)
	if err != nil {
		return nil, err
	}
	var out []capacity.Usage
	err = u.f.do(ctx, ServiceStorage, kindUsage, subscriptionID+"/"+location, func(ctx context.Context) error {
		pager := client.NewListByLocationPager(location, nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, v := range page.Value {
				if v == nil || v.Name == nil {
					continue
				}
				out = append(out, usage(engine.ServiceTypeStorage, v.Name.Value, int64(deref32(v.CurrentValue)), int64(deref32(v.Limit))))
			}
		}
		return nil
	})
	return out, err
}

func usage(st engine.ServiceType, name *string, current, limit int64) capacity.Usage {
	return capacity.Usage{ServiceType: st, Quota: deref(name), Current: current, Limit: limit}
}

func deref32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func deref64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
