package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
)

const kindDisk = "managed disk"

// Disks is the ARM adapter for standalone OS disks.
type Disks struct {
	f       *ClientFactory
	compute config.ComputeDefaults
}

var _ providers.Manager[*providers.DiskCreateInput] = (*Disks)(nil)

// NewDisks creates the disk adapter.
func NewDisks(f *ClientFactory, computeDefaults config.ComputeDefaults) *Disks {
	return &Disks{f: f, compute: computeDefaults}
}

func (d *Disks) run(ctx context.Context, subscriptionID, name string, fn func(ctx context.Context, client *armcompute.DisksClient) error) error {
	client, err := clientFor(d.f, "disks", subscriptionID, armcompute.NewDisksClient)
	if err != nil {
		return err
	}
	return d.f.do(ctx, ServiceCompute, kindDisk, name, func(ctx context.Context) error {
		return fn(ctx, client)
	})
}

// BeginCreate creates a bootable disk from the configured platform image.
func (d *Disks) BeginCreate(ctx context.Context, input *providers.DiskCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.Name == "" {
		return "", nil, engine.NewValidationError("disk name is required")
	}
	loc := input.Location
	size, sku := input.SizeGB, input.Sku
	if size == 0 {
		size = d.compute.OSDiskSizeGB
	}
	if sku == "" {
		sku = d.compute.DiskSku
	}

	disk := armcompute.Disk{
		Location: to.Ptr(loc.Location),
		Tags:     tagPtrs(input.Tags),
		SKU:      &armcompute.DiskSKU{Name: to.Ptr(armcompute.DiskStorageAccountTypes(sku))},
		Properties: &armcompute.DiskProperties{
			DiskSizeGB: to.Ptr(size),
			OSType:     to.Ptr(armcompute.OperatingSystemTypes("Linux")),
			CreationData: &armcompute.CreationData{
				CreateOption: to.Ptr(armcompute.DiskCreateOption("FromImage")),
				ImageReference: &armcompute.ImageDiskReference{
					ID: to.Ptr(PlatformImageID(loc.SubscriptionID, loc.Location, d.compute)),
				},
			},
		},
	}

	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err := d.run(ctx, loc.SubscriptionID, input.Name, func(ctx context.Context, client *armcompute.DisksClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, loc.ResourceGroup, input.Name, disk, nil)
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, engine.NextStageInput{ResourceInfo: providers.Handle(loc, input.Name)}, false)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeDisk(n.ResourceInfo, &res.Disk)
		}
		state, next = s, n
		return nil
	})
	return state, next, err
}

// CheckCreateStatus polls a disk create.
func (d *Disks) CheckCreateStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = d.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.DisksClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, info.ResourceGroup, info.Name, armcompute.Disk{},
			&armcompute.DisksClientBeginCreateOrUpdateOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, *next, true)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeDisk(n.ResourceInfo, &res.Disk)
		}
		state, out = s, n
		return nil
	})
	return state, out, err
}

// BeginDelete deletes a disk. Attached disks are rejected by the provider
// with a conflict.
func (d *Disks) BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err := d.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.DisksClient) error {
		poller, err := client.BeginDelete(ctx, info.ResourceGroup, info.Name, nil)
		if err != nil {
			return err
		}
		state, next, _, err = progress(ctx, poller, engine.NextStageInput{ResourceInfo: *info}, false)
		return err
	})
	return state, next, err
}

// CheckDeleteStatus polls a disk delete.
func (d *Disks) CheckDeleteStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = d.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armcompute.DisksClient) error {
		poller, err := client.BeginDelete(ctx, info.ResourceGroup, info.Name,
			&armcompute.DisksClientBeginDeleteOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		state, out, _, err = progress(ctx, poller, *next, true)
		return err
	})
	return state, out, err
}

func describeDisk(info engine.AzureResourceInfo, disk *armcompute.Disk) engine.AzureResourceInfo {
	return withProperties(info,
		providers.PropertyResourceID, deref(disk.ID),
		providers.PropertyLocation, deref(disk.Location),
	)
}

// PlatformImageID is the ARM id of a marketplace image version. Disks
// created from it need a pinned version; "latest" is only resolved by VM
// creates.
func PlatformImageID(subscriptionID, location string, c config.ComputeDefaults) string {
	return "/Subscriptions/" + subscriptionID +
		"/Providers/Microsoft.Compute/Locations/" + location +
		"/Publishers/" + c.ImagePublisher +
		"/ArtifactTypes/VMImage/Offers/" + c.ImageOffer +
		"/Skus/" + c.ImageSku +
		"/Versions/" + c.ImageVersion
}
