package broker

import (
	"context"
	"strings"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
)

// Provider name limits.
const (
	maxDiskNameLength    = 80
	maxNICNameLength     = 80
	maxAccountNameLength = 24
	maxVaultNameLength   = 24
)

// DefaultQueueName is the queue created inside every input queue account.
const DefaultQueueName = "input"

// componentStrategy creates single provider resources through an adapter.
// T is the adapter's create input.
type componentStrategy[T any] struct {
	kind     engine.ResourceType
	manager  providers.Manager[T]
	capacity engine.CapacityManager
	provider string

	// criteria size the standalone placement of the component.
	criteria []engine.ResourceCriterion

	name  func(id string) string
	build func(input *OperationInput, name string) T
}

func (s *componentStrategy[T]) Kind() engine.ResourceType { return s.kind }

func (s *componentStrategy[T]) CanHandle(t engine.ResourceType) bool { return t == s.kind }

// BuildOperationInput places a standalone component. Network interfaces
// bound to a subnet are placed in the subnet's subscription and group.
func (s *componentStrategy[T]) BuildOperationInput(ctx context.Context, req *CreateRequest) (*OperationInput, error) {
	if req == nil || !s.CanHandle(req.Type) {
		return nil, engine.NewNotSupportedError("%s strategy cannot create %v", s.kind, typeOf(req))
	}
	if req.ResourceID == "" || req.Location == "" {
		return nil, engine.NewNotSupportedError("%s request needs a resource id and a location", s.kind)
	}

	input := &OperationInput{
		ResourceID: req.ResourceID,
		Type:       s.kind,
		SubnetID:   req.SubnetID,
		Preserve:   req.Preserve,
		Tags:       req.Tags,
	}
	if s.kind == engine.ResourceTypeNetworkInterface && req.SubnetID != "" {
		loc, err := subnetLocation(req.SubnetID, req.Location)
		if err != nil {
			return nil, err
		}
		input.Location = *loc
		return input, nil
	}

	loc, err := s.capacity.SelectResourceLocation(ctx, s.criteria, req.Location)
	if err != nil {
		return nil, err
	}
	input.Location = *loc
	return input, nil
}

func (s *componentStrategy[T]) RunOperationCore(ctx context.Context, input *OperationInput, token string) (*engine.ContinuationResult, error) {
	if input == nil || !s.CanHandle(input.Type) {
		return nil, engine.NewNotSupportedError("%s strategy cannot run this input", s.kind)
	}
	name := s.name(input.ResourceID)
	expect := providers.Handle(input.Location, name)
	d := s.driver("create", false)
	return d.Run(ctx, providers.Step{
		ResourceID: input.ResourceID,
		Token:      token,
		Expect:     &expect,
		Begin: func(ctx context.Context) (engine.OperationState, *engine.NextStageInput, error) {
			return s.manager.BeginCreate(ctx, s.build(input, name))
		},
		Check: s.manager.CheckCreateStatus,
	})
}

func (s *componentStrategy[T]) Delete(ctx context.Context, input *DeleteInput, token string) (*engine.ContinuationResult, error) {
	info := input.ResourceInfo
	if token == "" && (info == nil || info.Name == "") {
		return engine.Succeeded(nil), nil
	}
	d := s.driver("delete", true)
	return d.Run(ctx, providers.Step{
		ResourceID: input.ResourceID,
		Token:      token,
		Expect:     info,
		Begin: func(ctx context.Context) (engine.OperationState, *engine.NextStageInput, error) {
			return s.manager.BeginDelete(ctx, info)
		},
		Check: s.manager.CheckDeleteStatus,
	})
}

func (s *componentStrategy[T]) driver(operation string, notFoundIsSuccess bool) providers.Driver {
	return providers.Driver{
		Kind:              "component." + strings.ToLower(string(s.kind)) + "." + operation,
		Provider:          s.provider,
		Operation:         operation,
		ResourceType:      s.kind,
		RetryAfter:        providers.ComponentRetryAfter,
		NotFoundIsSuccess: notFoundIsSuccess,
	}
}

// NewOSDiskStrategy creates managed OS disks.
func NewOSDiskStrategy(disks providers.Manager[*providers.DiskCreateInput], capacity engine.CapacityManager, provider string) Strategy {
	return &componentStrategy[*providers.DiskCreateInput]{
		kind:     engine.ResourceTypeOSDisk,
		manager:  disks,
		capacity: capacity,
		provider: provider,
		name:     DiskName,
		build: func(input *OperationInput, name string) *providers.DiskCreateInput {
			return &providers.DiskCreateInput{Location: input.Location, Name: name, Tags: componentTags(input)}
		},
	}
}

// NewInputQueueStrategy creates a storage account holding one input queue.
func NewInputQueueStrategy(queues providers.Manager[*providers.QueueCreateInput], capacity engine.CapacityManager, provider string) Strategy {
	return &componentStrategy[*providers.QueueCreateInput]{
		kind:     engine.ResourceTypeInputQueue,
		manager:  queues,
		capacity: capacity,
		provider: provider,
		criteria: []engine.ResourceCriterion{{ServiceType: engine.ServiceTypeStorage, Quota: "StorageAccounts", Required: 1}},
		name:     QueueAccountName,
		build: func(input *OperationInput, name string) *providers.QueueCreateInput {
			return &providers.QueueCreateInput{
				Location:    input.Location,
				AccountName: name,
				QueueName:   DefaultQueueName,
				Tags:        componentTags(input),
			}
		},
	}
}

// NewNetworkInterfaceStrategy creates network interfaces.
func NewNetworkInterfaceStrategy(nics providers.Manager[*providers.NetworkInterfaceCreateInput], capacity engine.CapacityManager, provider string) Strategy {
	return &componentStrategy[*providers.NetworkInterfaceCreateInput]{
		kind:     engine.ResourceTypeNetworkInterface,
		manager:  nics,
		capacity: capacity,
		provider: provider,
		criteria: []engine.ResourceCriterion{{ServiceType: engine.ServiceTypeNetwork, Quota: "NetworkInterfaces", Required: 1}},
		name:     NetworkInterfaceName,
		build: func(input *OperationInput, name string) *providers.NetworkInterfaceCreateInput {
			return &providers.NetworkInterfaceCreateInput{
				Location: input.Location,
				Name:     name,
				SubnetID: input.SubnetID,
				Tags:     componentTags(input),
			}
		},
	}
}

// NewKeyVaultStrategy creates key vaults.
func NewKeyVaultStrategy(vaults providers.Manager[*providers.KeyVaultCreateInput], capacity engine.CapacityManager, provider string) Strategy {
	return &componentStrategy[*providers.KeyVaultCreateInput]{
		kind:     engine.ResourceTypeKeyVault,
		manager:  vaults,
		capacity: capacity,
		provider: provider,
		name:     KeyVaultName,
		build: func(input *OperationInput, name string) *providers.KeyVaultCreateInput {
			return &providers.KeyVaultCreateInput{Location: input.Location, Name: name, Tags: componentTags(input)}
		},
	}
}

// DiskName is the provider name of an OS disk resource.
func DiskName(id string) string { return providers.ComponentName("disk", id, maxDiskNameLength) }

// QueueAccountName is the storage account name of an input queue resource.
func QueueAccountName(id string) string {
	return strings.ToLower(providers.ComponentName("cenvq", id, maxAccountNameLength))
}

// NetworkInterfaceName is the provider name of a network interface resource.
func NetworkInterfaceName(id string) string {
	return providers.ComponentName("nic", id, maxNICNameLength)
}

// KeyVaultName is the provider name of a key vault resource.
func KeyVaultName(id string) string {
	return providers.ComponentName("kv", id, maxVaultNameLength)
}

func componentTags(input *OperationInput) map[string]string {
	tags := map[string]string{compute.TagResourceID: input.ResourceID}
	for k, v := range input.Tags {
		tags[k] = v
	}
	return tags
}

// subnetLocation places a network resource in the subscription and group
// of the subnet it joins.
func subnetLocation(subnetID, location string) (*engine.ResourceLocation, error) {
	ref, err := engine.ParseSubnetID(subnetID)
	if err != nil {
		return nil, err
	}
	return &engine.ResourceLocation{
		SubscriptionID: ref.SubscriptionID,
		ServiceType:    engine.ServiceTypeNetwork,
		ResourceGroup:  ref.ResourceGroup,
		Location:       strings.ToLower(location),
	}, nil
}

func typeOf(req *CreateRequest) engine.ResourceType {
	if req == nil {
		return ""
	}
	return req.Type
}
