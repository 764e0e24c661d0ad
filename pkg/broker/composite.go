package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Stage is the progress of a composite creation.
type Stage string

const (
	StageCreateComponent Stage = "CreateComponent"
	StageCreateResource  Stage = "CreateResource"
	StageCheckResource   Stage = "CheckResource"
)

const (
	kindCompute = "broker.compute"

	// ComponentRetryAfter paces polls while components are being created.
	ComponentRetryAfter = time.Second

	// QuotaVirtualNetworks is the network quota consumed by a VM's NIC.
	QuotaVirtualNetworks = "VirtualNetworks"
)

// ComputeOptions configure the composite compute strategy.
type ComputeOptions struct {
	// Skus maps VM sizes to the compute quota they consume.
	Skus map[string]config.SkuConfig

	// SeparateNetworkAndComputeSubscriptions places the NIC on its own.
	SeparateNetworkAndComputeSubscriptions bool

	// MaxParallel bounds concurrent component steps.
	MaxParallel int

	Logger *telemetry.Logger
}

type compositeState struct {
	Stage      Stage                               `json:"stage"`
	Components map[string]engine.ResourceComponent `json:"components,omitempty"`
	Pending    []*ComponentInput                   `json:"pending,omitempty"`
	Token      string                              `json:"token,omitempty"`
}

// computeStrategy builds a virtual machine out of separately created
// components.
type computeStrategy struct {
	registry *Registry
	vms      *compute.Provider
	repo     engine.ResourceRepository
	capacity engine.CapacityManager
	opts     ComputeOptions
	logger   *telemetry.Logger
}

// NewComputeStrategy creates the ComputeVM strategy. Components are
// dispatched through registry.
func NewComputeStrategy(registry *Registry, vms *compute.Provider, repo engine.ResourceRepository, capacity engine.CapacityManager, opts ComputeOptions) Strategy {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &computeStrategy{
		registry: registry,
		vms:      vms,
		repo:     repo,
		capacity: capacity,
		opts:     opts,
		logger:   logger.NewComponentLogger("compute-strategy"),
	}
}

func (s *computeStrategy) Kind() engine.ResourceType { return engine.ResourceTypeComputeVM }

func (s *computeStrategy) CanHandle(t engine.ResourceType) bool {
	return t == engine.ResourceTypeComputeVM
}

// BuildOperationInput resolves the OS disk, plans the network interface
// and queue components and places the VM. A disk that already exists pins
// the placement to its subscription, group and location, whatever the
// compute quota says. Components an earlier failed attempt of the same
// request created are reused rather than created again.
func (s *computeStrategy) BuildOperationInput(ctx context.Context, req *CreateRequest) (*OperationInput, error) {
	if req == nil || !s.CanHandle(req.Type) {
		return nil, engine.NewNotSupportedError("compute strategy cannot create %v", typeOf(req))
	}
	if req.ResourceID == "" || req.Location == "" {
		return nil, engine.NewNotSupportedError("compute request needs a resource id and a location")
	}
	sku, ok := s.opts.Skus[req.SkuName]
	if !ok {
		return nil, engine.NewNotSupportedError("unsupported compute sku %q", req.SkuName)
	}
	location := strings.ToLower(req.Location)

	input := &OperationInput{
		ResourceID: req.ResourceID,
		Type:       engine.ResourceTypeComputeVM,
		SkuName:    req.SkuName,
		SubnetID:   req.SubnetID,
		Preserve:   req.Preserve,
		Tags:       req.Tags,
		Components: make(map[string]engine.ResourceComponent),
	}
	prior := s.priorComponents(ctx, req.ResourceID)

	var (
		pin         *engine.ResourceLocation
		pendingDisk *engine.ResourceRecord
	)
	if req.OSDiskResourceID != "" {
		disk, err := s.osDisk(ctx, req.OSDiskResourceID)
		if err != nil {
			return nil, err
		}
		input.OSDiskRecordID = disk.ID
		diskInfo := disk.Info
		if c, ok := prior[engine.ResourceTypeOSDisk]; ok && c.ComponentID == disk.ID && (diskInfo == nil || diskInfo.Name == "") {
			diskInfo = c.ResourceInfo
		}
		if diskInfo != nil && diskInfo.Name != "" {
			input.Components[disk.ID] = engine.ResourceComponent{
				ComponentID:      disk.ID,
				ComponentType:    engine.ResourceTypeOSDisk,
				ResourceInfo:     diskInfo.Clone(),
				Preserve:         true,
				ResourceRecordID: disk.ID,
			}
			pinned := disk.Location
			if pinned == "" {
				pinned = location
			}
			pin = &engine.ResourceLocation{
				SubscriptionID: diskInfo.SubscriptionID,
				ServiceType:    engine.ServiceTypeCompute,
				ResourceGroup:  diskInfo.ResourceGroup,
				Location:       strings.ToLower(pinned),
			}
			if q, ok := disk.FindComponent(engine.ResourceTypeInputQueue); ok && q.ResourceInfo != nil {
				q.ResourceInfo = q.ResourceInfo.Clone()
				q.Preserve = true
				input.Components[q.ComponentID] = q
			}
		} else {
			pendingDisk = disk
		}
	}

	criteria := []engine.ResourceCriterion{{
		ServiceType: engine.ServiceTypeCompute,
		Quota:       sku.Family,
		Required:    sku.Cores,
	}}
	network := engine.ResourceCriterion{ServiceType: engine.ServiceTypeNetwork, Quota: QuotaVirtualNetworks, Required: 1}

	var nic *OperationInput
	priorNIC, reuseNIC := prior[engine.ResourceTypeNetworkInterface]
	switch {
	case !s.opts.SeparateNetworkAndComputeSubscriptions && req.SubnetID == "":
		criteria = append(criteria, network)
	case reuseNIC:
		input.Components[priorNIC.ComponentID] = priorNIC
	default:
		nic = &OperationInput{
			ResourceID: uuid.New().String(),
			Type:       engine.ResourceTypeNetworkInterface,
			SubnetID:   req.SubnetID,
			Tags:       req.Tags,
		}
		if req.SubnetID != "" {
			loc, err := subnetLocation(req.SubnetID, location)
			if err != nil {
				return nil, err
			}
			nic.Location = *loc
		} else {
			loc, err := s.capacity.SelectResourceLocation(ctx, []engine.ResourceCriterion{network}, location)
			if err != nil {
				return nil, err
			}
			nic.Location = *loc
		}
	}
	if q, ok := prior[engine.ResourceTypeInputQueue]; ok && !hasComponent(input.Components, engine.ResourceTypeInputQueue) {
		input.Components[q.ComponentID] = q
	}

	if pin != nil {
		// TODO: check the pinned subscription's compute quota once usage
		// reads are cheap enough to do per request.
		input.Location = *pin
	} else {
		loc, err := s.capacity.SelectResourceLocation(ctx, criteria, location)
		if err != nil {
			return nil, err
		}
		input.Location = *loc
	}

	if pendingDisk != nil {
		input.ComponentInputs = append(input.ComponentInputs, newComponentInput(&OperationInput{
			ResourceID:       pendingDisk.ID,
			Type:             engine.ResourceTypeOSDisk,
			Location:         input.Location,
			Preserve:         true,
			ResourceRecordID: pendingDisk.ID,
			Tags:             req.Tags,
		}))
	}
	if nic != nil {
		input.ComponentInputs = append(input.ComponentInputs, newComponentInput(nic))
	}
	if !hasComponent(input.Components, engine.ResourceTypeInputQueue) {
		input.ComponentInputs = append(input.ComponentInputs, newComponentInput(&OperationInput{
			ResourceID: uuid.New().String(),
			Type:       engine.ResourceTypeInputQueue,
			Location:   input.Location,
			Preserve:   true,
			Tags:       req.Tags,
		}))
	}
	return input, nil
}

// priorComponents returns, by type, the created components recorded by an
// unfinished earlier attempt of the request.
func (s *computeStrategy) priorComponents(ctx context.Context, resourceID string) map[engine.ResourceType]engine.ResourceComponent {
	record, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		if !engine.IsNotFound(err) {
			s.logger.Zerolog().Warn().Err(err).Str("resource_id", resourceID).Msg("Failed to read earlier attempt")
		}
		return nil
	}
	if record.IsDeleted || record.ProvisioningStatus == engine.OperationStateSucceeded {
		return nil
	}
	prior := make(map[engine.ResourceType]engine.ResourceComponent)
	for _, id := range sortedIDs(record.Components) {
		c := record.Components[id]
		if c.ComponentType == engine.ResourceTypeComputeVM || c.ResourceInfo == nil || c.ResourceInfo.Name == "" {
			continue
		}
		c.ResourceInfo = c.ResourceInfo.Clone()
		prior[c.ComponentType] = c
	}
	return prior
}

func hasComponent(components map[string]engine.ResourceComponent, t engine.ResourceType) bool {
	_, ok := (&engine.ResourceRecord{Components: components}).FindComponent(t)
	return ok
}

func (s *computeStrategy) osDisk(ctx context.Context, id string) (*engine.ResourceRecord, error) {
	disk, err := s.repo.GetResource(ctx, id)
	if engine.IsNotFound(err) {
		return nil, engine.NewNotSupportedError("OS disk resource %s does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get OS disk resource %s: %w", id, err)
	}
	if disk.Type != engine.ResourceTypeOSDisk || disk.IsDeleted {
		return nil, engine.NewNotSupportedError("resource %s is not an available OS disk", id)
	}
	return disk, nil
}

// RunOperationCore advances the composite creation by one stage.
func (s *computeStrategy) RunOperationCore(ctx context.Context, input *OperationInput, token string) (*engine.ContinuationResult, error) {
	if input == nil || !s.CanHandle(input.Type) {
		return nil, engine.NewNotSupportedError("compute strategy cannot run this input")
	}

	state := &compositeState{}
	if token == "" {
		state.Stage = StageCreateComponent
		state.Components = engine.CloneComponents(input.Components)
		state.Pending = cloneComponentInputs(input.ComponentInputs)
	} else if err := engine.DecodeToken(token, kindCompute, state); err != nil {
		return nil, err
	}
	if state.Components == nil {
		state.Components = make(map[string]engine.ResourceComponent)
	}

	switch state.Stage {
	case StageCreateComponent:
		result, err := s.createComponents(ctx, state)
		if err != nil || result != nil {
			return result, err
		}
		state.Stage = StageCreateResource
		fallthrough
	case StageCreateResource:
		result, err := s.vms.Create(ctx, s.createInput(input, state), "")
		return s.afterCompute(ctx, input, state, result, err)
	case StageCheckResource:
		result, err := s.vms.Create(ctx, s.createInput(input, state), state.Token)
		return s.afterCompute(ctx, input, state, result, err)
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown compute stage %q", state.Stage), nil).
			WithCode(engine.ErrCodeInvalidToken).
			WithResource(input.ResourceID)
	}
}

// createComponents steps every live component once and joins them. It
// returns a nil result once every component has succeeded.
func (s *computeStrategy) createComponents(ctx context.Context, state *compositeState) (*engine.ContinuationResult, error) {
	var live []*ComponentInput
	for _, ci := range state.Pending {
		if !ci.Status.IsTerminal() {
			live = append(live, ci)
		}
	}

	err := engine.FanOut(ctx, s.opts.MaxParallel, live, func(ctx context.Context, ci *ComponentInput) error {
		s.stepComponent(ctx, ci)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		remaining []*ComponentInput
		failed    []string
	)
	for _, ci := range state.Pending {
		switch {
		case ci.Status == engine.OperationStateSucceeded:
			state.Components[ci.Input.ResourceID] = ci.Component()
		case ci.Status.IsFailure():
			failed = append(failed, fmt.Sprintf("%s %s: %s", ci.Input.Type, ci.Input.ResourceID, ci.Reason))
		default:
			remaining = append(remaining, ci)
		}
	}
	state.Pending = remaining

	if len(failed) > 0 {
		s.logger.Zerolog().Error().Strs("components", failed).Msg("Component creation failed")
		result := engine.Failed(ReasonComponentCreationFailed)
		result.Components = engine.CloneComponents(state.Components)
		return result, nil
	}
	if len(remaining) == 0 {
		return nil, nil
	}

	token, err := engine.EncodeToken(kindCompute, state)
	if err != nil {
		return nil, err
	}
	result := engine.InProgress(token, ComponentRetryAfter)
	result.Components = engine.CloneComponents(state.Components)
	return result, nil
}

func (s *computeStrategy) stepComponent(ctx context.Context, ci *ComponentInput) {
	strategy, err := s.registry.For(ci.Input.Type)
	if err == nil {
		var result *engine.ContinuationResult
		result, err = strategy.RunOperationCore(ctx, ci.Input, ci.Token)
		if err == nil {
			ci.Status = result.Status
			ci.Reason = result.ErrorReason
			ci.Token = ""
			switch result.Status {
			case engine.OperationStateInProgress:
				ci.Token = result.NextInput.ContinuationToken
			case engine.OperationStateSucceeded:
				ci.Info = result.ResourceInfo.Clone()
			}
			return
		}
	}
	ci.Status = engine.OperationStateFailed
	ci.Reason = err.Error()
	ci.Token = ""
}

func (s *computeStrategy) createInput(input *OperationInput, state *compositeState) *compute.CreateInput {
	return &compute.CreateInput{
		ResourceID: input.ResourceID,
		Location:   input.Location,
		SkuName:    input.SkuName,
		Components: state.Components,
		Tags:       input.Tags,
	}
}

func (s *computeStrategy) afterCompute(ctx context.Context, input *OperationInput, state *compositeState, result *engine.ContinuationResult, err error) (*engine.ContinuationResult, error) {
	if err != nil {
		return nil, err
	}
	switch {
	case result.Status == engine.OperationStateInProgress:
		state.Stage = StageCheckResource
		state.Token = result.NextInput.ContinuationToken
		token, err := engine.EncodeToken(kindCompute, state)
		if err != nil {
			return nil, err
		}
		out := engine.InProgress(token, result.NextInput.RetryAfter)
		out.ResourceInfo = result.ResourceInfo
		out.Components = engine.CloneComponents(state.Components)
		return out, nil
	case result.Status == engine.OperationStateSucceeded:
		if input.OSDiskRecordID != "" {
			s.relocateQueue(ctx, input.OSDiskRecordID, result.Components)
		}
		return result, nil
	default:
		if result.Components == nil {
			result.Components = engine.CloneComponents(state.Components)
		}
		return result, nil
	}
}

// relocateQueue moves the compute's input queue onto the OS disk record so
// the disk keeps its queue when it boots another VM. The disk owns the
// queue from then on. Failures are logged only.
func (s *computeStrategy) relocateQueue(ctx context.Context, diskID string, components map[string]engine.ResourceComponent) {
	queue, ok := (&engine.ResourceRecord{Components: components}).FindComponent(engine.ResourceTypeInputQueue)
	if !ok {
		return
	}
	err := engine.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		disk, err := s.repo.GetResource(ctx, diskID)
		if err != nil {
			return err
		}
		q := queue
		q.ResourceInfo = queue.ResourceInfo.Clone()
		q.Preserve = false
		disk.RemoveComponentsOfType(engine.ResourceTypeInputQueue)
		disk.SetComponent(q)
		return s.repo.UpdateResource(ctx, disk)
	})
	if err != nil {
		s.logger.Zerolog().Warn().Err(err).
			Str("disk_resource_id", diskID).
			Msg("Failed to relocate input queue onto OS disk")
	}
}

// Delete removes the virtual machine and the OS disk it created for
// itself. Components are deleted by the broker.
func (s *computeStrategy) Delete(ctx context.Context, input *DeleteInput, token string) (*engine.ContinuationResult, error) {
	return s.vms.Delete(ctx, &compute.DeleteInput{
		ResourceID:   input.ResourceID,
		ResourceInfo: input.ResourceInfo,
		Components:   input.Components,
	}, token)
}

func newComponentInput(input *OperationInput) *ComponentInput {
	return &ComponentInput{Input: input, Status: engine.OperationStateNotStarted}
}
