package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Token kinds issued by the broker.
const (
	kindCreate = "broker.create"
	kindDelete = "broker.delete"
)

// Delete phases.
const (
	phaseResource   = "resource"
	phaseComponents = "components"
)

// Options configure a Broker.
type Options struct {
	Clock  engine.Clock
	Logger *telemetry.Logger
	Events *telemetry.EventPublisher
}

// Broker creates, starts and deletes resources through the strategy
// registry, keeping their records in the repository.
type Broker struct {
	registry *Registry
	repo     engine.ResourceRepository
	vms      *compute.Provider
	clock    engine.Clock
	logger   *telemetry.Logger
	events   *telemetry.EventPublisher
}

// New creates a broker.
func New(registry *Registry, repo engine.ResourceRepository, vms *compute.Provider, opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Broker{
		registry: registry,
		repo:     repo,
		vms:      vms,
		clock:    clock,
		logger:   logger.NewComponentLogger("broker"),
		events:   opts.Events,
	}
}

type createState struct {
	Input *OperationInput `json:"input"`
	Token string          `json:"token,omitempty"`
}

type deleteState struct {
	Phase string `json:"phase"`

	// Pending lists the component ids still to delete, in order.
	Pending []string `json:"pending,omitempty"`
	Token   string   `json:"token,omitempty"`
}

// Create runs one step of a resource creation. The first call, with an
// empty token, records the resource and builds the strategy input; later
// calls resume from the token of the previous step.
func (b *Broker) Create(ctx context.Context, req *CreateRequest, token string) (result *engine.ContinuationResult, err error) {
	if req == nil {
		return nil, engine.NewValidationError("create request is required")
	}
	sc := telemetry.StartStep(ctx, "broker.create", string(req.Type), req.ResourceID)
	ctx = sc.Ctx
	defer func() { sc.End(statusOf(result), err) }()

	strategy, err := b.registry.For(req.Type)
	if err != nil {
		return nil, err
	}

	var state createState
	if token == "" {
		if err := b.createRecord(ctx, req); err != nil {
			return nil, err
		}
		input, err := strategy.BuildOperationInput(ctx, req)
		if err != nil {
			failed := engine.Failed(err.Error())
			if recordErr := b.saveStep(ctx, req.ResourceID, failed); recordErr != nil {
				sc.Logger.Zerolog().Warn().Err(recordErr).Msg("Failed to record placement failure")
			}
			if engine.IsNoCapacity(err) {
				return failed, nil
			}
			return nil, err
		}
		state.Input = input
	} else {
		if err := engine.DecodeToken(token, kindCreate, &state); err != nil {
			return nil, err
		}
		if state.Input == nil || state.Input.ResourceID != req.ResourceID || state.Input.Type != req.Type {
			return nil, engine.NewPermanentError("invalid continuation token",
				fmt.Errorf("token does not belong to %s", req.ResourceID)).
				WithCode(engine.ErrCodeInvalidToken).
				WithResource(req.ResourceID)
		}
	}

	step, err := strategy.RunOperationCore(ctx, state.Input, state.Token)
	if err != nil {
		return nil, err
	}
	if err := b.saveStep(ctx, req.ResourceID, step); err != nil {
		return nil, err
	}

	result = step
	if step.Status == engine.OperationStateInProgress {
		state.Token = step.NextInput.ContinuationToken
		next, err := engine.EncodeToken(kindCreate, state)
		if err != nil {
			return nil, err
		}
		result = &engine.ContinuationResult{
			Status:       step.Status,
			NextInput:    &engine.NextInput{ContinuationToken: next, RetryAfter: step.NextInput.RetryAfter},
			ResourceInfo: step.ResourceInfo,
			Components:   step.Components,
		}
	}
	if step.Status == engine.OperationStateSucceeded {
		b.updateComponentRecords(ctx, req.ResourceID, step.Components)
	}
	return result, result.Validate()
}

// createRecord inserts the record of a new request. A record left behind
// by an earlier attempt of the same request is reused.
func (b *Broker) createRecord(ctx context.Context, req *CreateRequest) error {
	now := b.clock.Now()
	record := &engine.ResourceRecord{
		ID:                 req.ResourceID,
		Type:               req.Type,
		Location:           strings.ToLower(req.Location),
		SkuName:            req.SkuName,
		IsAssigned:         req.IsAssigned,
		Preserve:           req.Preserve,
		ProvisioningStatus: engine.OperationStateInProgress,
		CreatedAt:          now,
	}
	if req.IsAssigned {
		record.Assigned = &now
	}
	record.ProvisioningStatusChanged = &now

	err := b.repo.CreateResource(ctx, record)
	if engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
		return err
	}
	existing, getErr := b.repo.GetResource(ctx, req.ResourceID)
	if getErr != nil {
		return fmt.Errorf("failed to get resource %s: %w", req.ResourceID, getErr)
	}
	if existing.Type != req.Type || existing.IsDeleted || existing.ProvisioningStatus == engine.OperationStateSucceeded {
		return err
	}
	return nil
}

// saveStep writes the outcome of a step onto the record, refetching on
// conflicting writes.
func (b *Broker) saveStep(ctx context.Context, resourceID string, step *engine.ContinuationResult) error {
	err := engine.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		record, err := b.repo.GetResource(ctx, resourceID)
		if err != nil {
			return err
		}
		if step.ResourceInfo != nil {
			record.Info = step.ResourceInfo.Clone()
		}
		if step.Components != nil {
			record.Components = engine.CloneComponents(step.Components)
		}
		changed := record.SetProvisioningStatus(step.Status, step.ErrorReason, b.clock.Now())
		if err := b.repo.UpdateResource(ctx, record); err != nil {
			return err
		}
		if changed && step.Status.IsTerminal() {
			_ = b.events.PublishProvisioningChanged(record.ID, string(record.Type), string(step.Status), step.ErrorReason)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", resourceID, err)
	}
	return nil
}

// updateComponentRecords marks the records behind created components as
// provisioned. Failures are logged only.
func (b *Broker) updateComponentRecords(ctx context.Context, resourceID string, components map[string]engine.ResourceComponent) {
	for _, id := range sortedIDs(components) {
		c := components[id]
		if c.ResourceRecordID == "" || c.ResourceRecordID == resourceID || c.ResourceInfo == nil {
			continue
		}
		err := engine.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
			record, err := b.repo.GetResource(ctx, c.ResourceRecordID)
			if err != nil {
				return err
			}
			record.Info = c.ResourceInfo.Clone()
			record.SetProvisioningStatus(engine.OperationStateSucceeded, "", b.clock.Now())
			return b.repo.UpdateResource(ctx, record)
		})
		if err != nil {
			b.logger.Zerolog().Warn().Err(err).
				Str("resource_id", resourceID).
				Str("component_record_id", c.ResourceRecordID).
				Msg("Failed to update component record")
		}
	}
}

// Delete runs one step of a resource deletion: the resource itself first,
// then each component that is not preserved. A preserved component is left
// alone while it has a record of its own or another live record still
// references it.
func (b *Broker) Delete(ctx context.Context, resourceID string, token string) (result *engine.ContinuationResult, err error) {
	sc := telemetry.StartStep(ctx, "broker.delete", "", resourceID)
	ctx = sc.Ctx
	defer func() { sc.End(statusOf(result), err) }()

	record, err := b.repo.GetResource(ctx, resourceID)
	if engine.IsNotFound(err) {
		return engine.Succeeded(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", resourceID, err)
	}
	if record.IsDeleted {
		return engine.Succeeded(record.Info.Clone()), nil
	}

	state := deleteState{Phase: phaseResource}
	if token != "" {
		if err := engine.DecodeToken(token, kindDelete, &state); err != nil {
			return nil, err
		}
	}

	if state.Phase == phaseResource {
		strategy, err := b.registry.For(record.Type)
		if err != nil {
			return nil, err
		}
		step, err := strategy.Delete(ctx, &DeleteInput{
			ResourceID:   record.ID,
			ResourceInfo: record.Info,
			Components:   record.Components,
		}, state.Token)
		if err != nil {
			return nil, err
		}
		if step.Status != engine.OperationStateSucceeded {
			return b.deleteProgress(state, step)
		}
		pending, err := b.deletableComponents(ctx, record)
		if err != nil {
			return nil, err
		}
		state = deleteState{Phase: phaseComponents, Pending: pending}
	}

	if state.Phase != phaseComponents {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown delete phase %q", state.Phase), nil).
			WithCode(engine.ErrCodeInvalidToken).
			WithResource(resourceID)
	}

	for len(state.Pending) > 0 {
		c, ok := record.Components[state.Pending[0]]
		if !ok {
			state.Pending, state.Token = state.Pending[1:], ""
			continue
		}
		strategy, err := b.registry.For(c.ComponentType)
		if err != nil {
			return nil, err
		}
		step, err := strategy.Delete(ctx, &DeleteInput{ResourceID: c.ComponentID, ResourceInfo: c.ResourceInfo}, state.Token)
		if err != nil {
			return nil, err
		}
		if step.Status != engine.OperationStateSucceeded {
			return b.deleteProgress(state, step)
		}
		state.Pending, state.Token = state.Pending[1:], ""
	}

	if err := b.markDeleted(ctx, resourceID); err != nil {
		return nil, err
	}
	return engine.Succeeded(record.Info.Clone()), nil
}

// DeleteOrphan runs one step of deleting a provider resource that no record
// references, through the strategy of its type. A resource that is already
// gone counts as deleted.
func (b *Broker) DeleteOrphan(ctx context.Context, job *OrphanJob, token string) (result *engine.ContinuationResult, err error) {
	if job == nil {
		return nil, engine.NewValidationError("orphan job is required")
	}
	sc := telemetry.StartStep(ctx, "broker.delete-orphan", string(job.Type), job.Info.Name)
	ctx = sc.Ctx
	defer func() { sc.End(statusOf(result), err) }()

	strategy, err := b.registry.For(job.Type)
	if err != nil {
		return nil, err
	}
	info := job.Info.Clone()
	return strategy.Delete(ctx, &DeleteInput{ResourceID: info.Name, ResourceInfo: info}, token)
}

func (b *Broker) deleteProgress(state deleteState, step *engine.ContinuationResult) (*engine.ContinuationResult, error) {
	if step.Status != engine.OperationStateInProgress {
		return step, nil
	}
	state.Token = step.NextInput.ContinuationToken
	token, err := engine.EncodeToken(kindDelete, state)
	if err != nil {
		return nil, err
	}
	result := engine.InProgress(token, step.NextInput.RetryAfter)
	result.ResourceInfo = step.ResourceInfo
	return result, nil
}

func (b *Broker) markDeleted(ctx context.Context, resourceID string) error {
	err := engine.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		record, err := b.repo.GetResource(ctx, resourceID)
		if err != nil {
			return err
		}
		record.IsDeleted = true
		return b.repo.UpdateResource(ctx, record)
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s deleted: %w", resourceID, err)
	}
	_ = b.events.PublishResourceDeleted(resourceID, "")
	return nil
}

// deletableComponents returns the components removed with a resource,
// ordered by id.
func (b *Broker) deletableComponents(ctx context.Context, record *engine.ResourceRecord) ([]string, error) {
	var (
		out       []string
		elsewhere map[string]bool
	)
	for _, id := range sortedIDs(record.Components) {
		c := record.Components[id]
		if c.ComponentType == engine.ResourceTypeComputeVM || id == record.ID {
			continue
		}
		if c.Preserve {
			if c.ResourceRecordID != "" || c.ResourceInfo == nil {
				continue
			}
			if elsewhere == nil {
				var err error
				if elsewhere, err = b.referencedElsewhere(ctx, record.ID); err != nil {
					return nil, err
				}
			}
			if elsewhere[handleKey(c.ResourceInfo)] {
				continue
			}
		}
		out = append(out, id)
	}
	return out, nil
}

// referencedElsewhere collects the component handles of every live record
// other than id.
func (b *Broker) referencedElsewhere(ctx context.Context, id string) (map[string]bool, error) {
	records, err := b.repo.ListResources(ctx, engine.ResourceFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	out := make(map[string]bool)
	for _, r := range records {
		if r.ID == id {
			continue
		}
		if r.Info != nil {
			out[handleKey(r.Info)] = true
		}
		for _, c := range r.Components {
			if c.ResourceInfo != nil {
				out[handleKey(c.ResourceInfo)] = true
			}
		}
	}
	return out, nil
}

func handleKey(info *engine.AzureResourceInfo) string {
	return strings.ToLower(info.SubscriptionID + "/" + info.ResourceGroup + "/" + info.Name)
}

// StartCompute runs one step of starting a deallocated VM.
func (b *Broker) StartCompute(ctx context.Context, resourceID string, token string) (*engine.ContinuationResult, error) {
	record, err := b.computeRecord(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return b.vms.StartCompute(ctx, &compute.StartInput{ResourceID: record.ID, ResourceInfo: record.Info}, token)
}

// GetInputQueue returns the input queue of a compute resource.
func (b *Broker) GetInputQueue(ctx context.Context, resourceID string) (*compute.QueueInfo, error) {
	record, err := b.computeRecord(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return b.vms.GetInputQueue(ctx, &compute.GetInputQueueInput{ResourceID: record.ID, Components: record.Components})
}

// GetResource returns the record of a resource.
func (b *Broker) GetResource(ctx context.Context, resourceID string) (*engine.ResourceRecord, error) {
	return b.repo.GetResource(ctx, resourceID)
}

func (b *Broker) computeRecord(ctx context.Context, resourceID string) (*engine.ResourceRecord, error) {
	record, err := b.repo.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if record.Type != engine.ResourceTypeComputeVM {
		return nil, engine.NewNotSupportedError("resource %s is a %s, not a compute resource", resourceID, record.Type)
	}
	if record.IsDeleted {
		return nil, engine.NewNotFoundError("resource", resourceID)
	}
	return record, nil
}

func statusOf(result *engine.ContinuationResult) string {
	if result == nil {
		return "error"
	}
	return string(result.Status)
}

func sortedIDs(components map[string]engine.ResourceComponent) []string {
	ids := make([]string, 0, len(components))
	for id := range components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
