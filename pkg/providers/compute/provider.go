package compute

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
)

// Token kinds issued by the provider.
const (
	KindCreate = "compute.create"
	KindStart  = "compute.start"
	KindDelete = "compute.delete"
)

// Delete phases.
const (
	phaseVM     = "vm"
	phaseOSDisk = "osdisk"
)

const maxVMNameLength = 64

// Provider is the public face of virtual machine operations. Every
// operation is a continuation step: an empty token begins a provider
// operation and a token checks the one it was issued for.
type Provider struct {
	vms   VirtualMachineManager
	disks providers.Deleter

	// Name labels logs, spans and metrics.
	Name string
}

// NewProvider creates a VM provider over the given adapters. disks removes
// the OS disks the VM adapter created on its own.
func NewProvider(vms VirtualMachineManager, disks providers.Deleter) *Provider {
	return &Provider{vms: vms, disks: disks, Name: "azure"}
}

// Create creates the virtual machine of a compute resource.
func (p *Provider) Create(ctx context.Context, input *CreateInput, token string) (*engine.ContinuationResult, error) {
	spec, err := BuildSpec(input)
	if err != nil {
		return nil, err
	}
	expect := spec.Handle()

	d := p.driver(KindCreate, "create", providers.CreateRetryAfter)
	result, err := d.Run(ctx, providers.Step{
		ResourceID: input.ResourceID,
		Token:      token,
		Expect:     &expect,
		Begin: func(ctx context.Context) (engine.OperationState, *engine.NextStageInput, error) {
			return p.vms.BeginCreate(ctx, spec)
		},
		Check: p.vms.CheckCreateStatus,
	})
	if err != nil {
		return nil, err
	}

	if result.Status == engine.OperationStateSucceeded {
		if result.ResourceInfo == nil {
			result.ResourceInfo = expect.Clone()
		}
		components := engine.CloneComponents(input.Components)
		if components == nil {
			components = make(map[string]engine.ResourceComponent)
		}
		components[input.ResourceID] = engine.ResourceComponent{
			ComponentID:   input.ResourceID,
			ComponentType: engine.ResourceTypeComputeVM,
			ResourceInfo:  result.ResourceInfo.Clone(),
		}
		result.Components = components
	}
	return result, nil
}

// StartCompute starts a deallocated virtual machine.
func (p *Provider) StartCompute(ctx context.Context, input *StartInput, token string) (*engine.ContinuationResult, error) {
	if input == nil || input.ResourceInfo == nil || input.ResourceInfo.Name == "" {
		return nil, engine.NewValidationError("start requires the handle of an existing virtual machine")
	}
	info := input.ResourceInfo

	d := p.driver(KindStart, "start", providers.StartRetryAfter)
	result, err := d.Run(ctx, providers.Step{
		ResourceID: input.ResourceID,
		Token:      token,
		Expect:     info,
		Begin: func(ctx context.Context) (engine.OperationState, *engine.NextStageInput, error) {
			return p.vms.BeginStartCompute(ctx, info)
		},
		Check: p.vms.CheckStartComputeStatus,
	})
	if err != nil {
		return nil, err
	}
	if result.Status == engine.OperationStateSucceeded {
		result.ResourceInfo = info.Clone()
	}
	return result, nil
}

// Delete removes the virtual machine and then the OS disk the adapter
// created for it. Disks that were attached as components are left to their
// owners. A VM or disk that no longer exists counts as deleted.
func (p *Provider) Delete(ctx context.Context, input *DeleteInput, token string) (*engine.ContinuationResult, error) {
	if input == nil {
		return nil, engine.NewValidationError("delete input is required")
	}
	if token == "" && (input.ResourceInfo == nil || input.ResourceInfo.Name == "") {
		// Nothing was ever created at the provider.
		return engine.Succeeded(nil), nil
	}

	d := p.driver(KindDelete, "delete", providers.DeleteRetryAfter)
	d.NotFoundIsSuccess = true
	step := providers.Step{
		ResourceID: input.ResourceID,
		Token:      token,
		Begin: func(ctx context.Context) (engine.OperationState, *engine.NextStageInput, error) {
			return p.beginDelete(ctx, input)
		},
		Check: p.checkDelete,
	}
	if input.ResourceInfo != nil && input.ResourceInfo.Name != "" {
		step.Expect = input.ResourceInfo
		step.ExpectAny = ownedDisks(input)
	}
	result, err := d.Run(ctx, step)
	if err != nil {
		return nil, err
	}
	if result.Status == engine.OperationStateSucceeded {
		result.ResourceInfo = input.ResourceInfo.Clone()
	}
	return result, nil
}

// GetInputQueue resolves the input queue component of a compute resource.
func (p *Provider) GetInputQueue(ctx context.Context, input *GetInputQueueInput) (*QueueInfo, error) {
	if input == nil {
		return nil, engine.NewValidationError("input queue request is required")
	}
	record := engine.ResourceRecord{Components: input.Components}
	c, ok := record.FindComponent(engine.ResourceTypeInputQueue)
	if !ok || c.ResourceInfo == nil || c.ResourceInfo.Name == "" {
		return nil, engine.NewNotFoundError("input queue", input.ResourceID)
	}

	info := c.ResourceInfo
	queue := &QueueInfo{
		SubscriptionID: info.SubscriptionID,
		ResourceGroup:  info.ResourceGroup,
		AccountName:    info.Name,
		QueueName:      info.Properties[providers.PropertyQueueName],
		QueueURL:       info.Properties[providers.PropertyQueueURL],
	}
	if queue.QueueName == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("input queue of %s has no queue name", input.ResourceID), nil).
			WithCode(engine.ErrCodeInternal)
	}
	if queue.QueueURL == "" {
		queue.QueueURL = fmt.Sprintf("https://%s.queue.core.windows.net/%s", queue.AccountName, queue.QueueName)
	}
	return queue, nil
}

func (p *Provider) beginDelete(ctx context.Context, input *DeleteInput) (engine.OperationState, *engine.NextStageInput, error) {
	pending := ownedDisks(input)
	state, next, err := p.vms.BeginDelete(ctx, input.ResourceInfo)
	if engine.IsNotFound(err) {
		state, next, err = engine.OperationStateSucceeded, &engine.NextStageInput{ResourceInfo: *input.ResourceInfo}, nil
	}
	if err != nil {
		return "", nil, err
	}
	if next != nil {
		next.Phase = phaseVM
		next.Dependents = pending
	}
	return p.advance(ctx, state, next, pending)
}

func (p *Provider) checkDelete(ctx context.Context, prev *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	var (
		state engine.OperationState
		next  *engine.NextStageInput
		err   error
	)
	switch prev.Phase {
	case phaseOSDisk:
		state, next, err = p.disks.CheckDeleteStatus(ctx, prev)
	case phaseVM, "":
		state, next, err = p.vms.CheckDeleteStatus(ctx, prev)
	default:
		return "", nil, engine.NewPermanentError(fmt.Sprintf("unknown delete phase %q", prev.Phase), nil).
			WithCode(engine.ErrCodeInvalidToken)
	}
	if engine.IsNotFound(err) {
		state, next, err = engine.OperationStateSucceeded, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	next = carry(prev, next)
	if state != engine.OperationStateSucceeded {
		return state, next, nil
	}
	return p.advance(ctx, state, next, next.Dependents)
}

// advance starts deleting the next dependent once the current phase has
// succeeded. Dependents that no longer exist are skipped.
func (p *Provider) advance(ctx context.Context, state engine.OperationState, next *engine.NextStageInput, pending []engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	for state == engine.OperationStateSucceeded && len(pending) > 0 {
		disk := pending[0]
		pending = pending[1:]

		s, n, err := p.disks.BeginDelete(ctx, &disk)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to delete OS disk %s: %w", disk.Name, err)
		}
		state = s
		if n == nil {
			n = &engine.NextStageInput{ResourceInfo: disk}
		}
		n.Phase = phaseOSDisk
		n.Dependents = pending
		next = n
	}
	if next != nil && state == engine.OperationStateSucceeded {
		next.Dependents = nil
	}
	return state, next, nil
}

func (p *Provider) driver(kind, operation string, retryAfter time.Duration) providers.Driver {
	return providers.Driver{
		Kind:         kind,
		Provider:     p.Name,
		Operation:    operation,
		ResourceType: engine.ResourceTypeComputeVM,
		RetryAfter:   retryAfter,
	}
}

// BuildSpec translates a create request into the VM adapter input.
func BuildSpec(input *CreateInput) (*VirtualMachineSpec, error) {
	if input == nil {
		return nil, engine.NewValidationError("create input is required")
	}
	if input.ResourceID == "" {
		return nil, engine.NewValidationError("resource id is required")
	}
	if input.Location.SubscriptionID == "" || input.Location.ResourceGroup == "" || input.Location.Location == "" {
		return nil, engine.NewValidationError("placement of %s is incomplete", input.ResourceID)
	}
	if input.SkuName == "" {
		return nil, engine.NewValidationError("sku name is required")
	}
	if err := engine.ValidateComponents(engine.ResourceTypeComputeVM, input.Components); err != nil {
		return nil, err
	}

	spec := &VirtualMachineSpec{
		Location: input.Location,
		Name:     providers.ComponentName("vm", input.ResourceID, maxVMNameLength),
		Size:     input.SkuName,
		Tags:     map[string]string{TagResourceID: input.ResourceID},
	}
	for k, v := range input.Tags {
		spec.Tags[k] = v
	}

	for _, id := range sortedComponentIDs(input.Components) {
		c := input.Components[id]
		switch c.ComponentType {
		case engine.ResourceTypeOSDisk:
			if c.ResourceInfo == nil {
				return nil, engine.NewNotSupportedError("OS disk component %s has not been created", c.ComponentID)
			}
			spec.OSDisk = c.ResourceInfo.Clone()
		case engine.ResourceTypeNetworkInterface:
			if c.ResourceInfo == nil {
				return nil, engine.NewNotSupportedError("network interface component %s has not been created", c.ComponentID)
			}
			spec.NetworkInterfaces = append(spec.NetworkInterfaces, *c.ResourceInfo.Clone())
		case engine.ResourceTypeInputQueue:
			if c.ResourceInfo != nil {
				spec.InputQueue = c.ResourceInfo.Clone()
				if q := c.ResourceInfo.Properties[providers.PropertyQueueName]; q != "" {
					spec.Tags[TagInputQueue] = c.ResourceInfo.Name + "/" + q
				}
			}
		}
	}
	return spec, nil
}

// ownedDisks returns the disks the VM adapter created itself. A VM that was
// given an OS disk component does not own it.
func ownedDisks(input *DeleteInput) []engine.AzureResourceInfo {
	record := engine.ResourceRecord{Components: input.Components}
	if _, attached := record.FindComponent(engine.ResourceTypeOSDisk); attached {
		return nil
	}
	name := input.ResourceInfo.Properties[providers.PropertyOSDiskName]
	if name == "" {
		return nil
	}
	return []engine.AzureResourceInfo{{
		SubscriptionID: input.ResourceInfo.SubscriptionID,
		ResourceGroup:  input.ResourceInfo.ResourceGroup,
		Name:           name,
	}}
}

func carry(prev, next *engine.NextStageInput) *engine.NextStageInput {
	if next == nil {
		c := *prev
		return &c
	}
	c := *next
	c.Phase = prev.Phase
	c.Dependents = prev.Dependents
	return &c
}

func sortedComponentIDs(components map[string]engine.ResourceComponent) []string {
	ids := make([]string, 0, len(components))
	for id := range components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
