package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/cloudenv/pkg/capacity"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Resource kinds tracked by the simulator.
const (
	KindVirtualMachine   = "Microsoft.Compute/virtualMachines"
	KindDisk             = "Microsoft.Compute/disks"
	KindNetworkInterface = "Microsoft.Network/networkInterfaces"
	KindStorageAccount   = "Microsoft.Storage/storageAccounts"
	KindKeyVault         = "Microsoft.KeyVault/vaults"
	KindResourceGroup    = "Microsoft.Resources/resourceGroups"
)

// Action is the kind of a simulated operation.
type Action string

// Simulated operations.
const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
	ActionStart  Action = "start"
)

// Resource is one simulated cloud resource.
type Resource struct {
	Kind           string
	SubscriptionID string
	ResourceGroup  string
	Name           string
	Location       string
	Properties     map[string]string
	Tags           map[string]string
	Running        bool
	CreatedAt      time.Time
}

// Handle returns the provider handle of the resource.
func (r Resource) Handle() engine.AzureResourceInfo {
	info := engine.AzureResourceInfo{
		SubscriptionID: r.SubscriptionID,
		ResourceGroup:  r.ResourceGroup,
		Name:           r.Name,
	}
	if len(r.Properties) > 0 {
		info.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			info.Properties[k] = v
		}
	}
	return info
}

// ID is the ARM-style id of the resource.
func (r Resource) ID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s", r.SubscriptionID, r.ResourceGroup, r.Kind, r.Name)
}

type operation struct {
	ID        string
	Kind      string
	Action    Action
	Key       string
	Remaining int
	Outcome   engine.OperationState

	// Resource is written on a successful create. Extra resources are
	// created alongside it.
	Resource Resource
	Extra    []Resource
}

type fault struct {
	kind   string
	action Action
	err    error
	state  engine.OperationState
}

// Options configure a Cloud.
type Options struct {
	// Polls is the number of checks an operation stays in progress. Zero
	// completes operations in their begin call.
	Polls int

	// Quotas are reported by ListUsages for every subscription and
	// location. Current is replaced by the number of simulated resources
	// of the quota's service type.
	Quotas []capacity.Usage

	Logger *telemetry.Logger
}

// Cloud is an in-memory stand-in for Azure Resource Manager. Operations
// complete after a configurable number of polls; failures can be injected
// per resource kind.
type Cloud struct {
	// mu serializes operations that touch several resources.
	mu sync.Mutex

	polls      int
	quotas     []capacity.Usage
	resources  *StateStore[Resource]
	operations *StateStore[operation]
	faults     []fault
	seq        int
	now        func() time.Time
	logger     *telemetry.Logger
}

// New creates an empty simulated cloud.
func New(opts Options) *Cloud {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	quotas := opts.Quotas
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	return &Cloud{
		polls:      opts.Polls,
		quotas:     quotas,
		resources:  NewStateStore[Resource](),
		operations: NewStateStore[operation](),
		now:        time.Now,
		logger:     logger.NewComponentLogger("memory-cloud"),
	}
}

// DefaultQuotas is a generous quota set covering the common VM families.
func DefaultQuotas() []capacity.Usage {
	return []capacity.Usage{
		{ServiceType: engine.ServiceTypeCompute, Quota: "cores", Limit: 10000},
		{ServiceType: engine.ServiceTypeCompute, Quota: "standardDSv3Family", Limit: 10000},
		{ServiceType: engine.ServiceTypeCompute, Quota: "standardDSv5Family", Limit: 10000},
		{ServiceType: engine.ServiceTypeNetwork, Quota: "VirtualNetworks", Limit: 1000},
		{ServiceType: engine.ServiceTypeNetwork, Quota: "NetworkInterfaces", Limit: 65536},
		{ServiceType: engine.ServiceTypeStorage, Quota: "StorageAccounts", Limit: 250},
		{ServiceType: engine.ServiceTypeKeyVault, Quota: "vaults", Limit: 1000},
	}
}

// InjectError makes the next begin or check of kind and action fail with err.
func (c *Cloud) InjectError(kind string, action Action, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault{kind: kind, action: action, err: err})
}

// InjectOutcome makes the next operation of kind and action finish in
// state instead of Succeeded.
func (c *Cloud) InjectOutcome(kind string, action Action, state engine.OperationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault{kind: kind, action: action, state: state})
}

// Get returns a simulated resource.
func (c *Cloud) Get(kind, subscriptionID, resourceGroup, name string) (Resource, bool) {
	return c.resources.Get(key(kind, subscriptionID, resourceGroup, name))
}

// List returns the resources of a kind ordered by id.
func (c *Cloud) List(kind string) []Resource {
	return c.resources.Filter(func(r Resource) bool { return r.Kind == kind })
}

// PendingOperations returns the number of unfinished operations.
func (c *Cloud) PendingOperations() int {
	return c.operations.Len()
}

// Deallocate stops a virtual machine so it can be started again.
func (c *Cloud) Deallocate(info engine.AzureResourceInfo) bool {
	return c.resources.Update(key(KindVirtualMachine, info.SubscriptionID, info.ResourceGroup, info.Name), func(r *Resource) {
		r.Running = false
	})
}

// Put adds a resource directly, bypassing operations.
func (c *Cloud) Put(r Resource) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	c.resources.Put(key(r.Kind, r.SubscriptionID, r.ResourceGroup, r.Name), r)
}

// ListUsages implements capacity.UsageSource.
func (c *Cloud) ListUsages(_ context.Context, subscriptionID, location string) ([]capacity.Usage, error) {
	counts := make(map[engine.ServiceType]int64)
	for _, r := range c.resources.Filter(func(r Resource) bool {
		return strings.EqualFold(r.SubscriptionID, subscriptionID) && strings.EqualFold(r.Location, location)
	}) {
		counts[serviceOf(r.Kind)]++
	}

	out := make([]capacity.Usage, 0, len(c.quotas))
	for _, q := range c.quotas {
		q.Current = counts[q.ServiceType]
		out = append(out, q)
	}
	return out, nil
}

// Ensure records the resource group of a placement.
func (c *Cloud) Ensure(_ context.Context, loc engine.ResourceLocation) error {
	if loc.SubscriptionID == "" || loc.ResourceGroup == "" {
		return engine.NewValidationError("subscription and resource group are required")
	}
	if _, ok := c.Get(KindResourceGroup, loc.SubscriptionID, "", loc.ResourceGroup); ok {
		return nil
	}
	c.Put(Resource{
		Kind:           KindResourceGroup,
		SubscriptionID: loc.SubscriptionID,
		Name:           loc.ResourceGroup,
		Location:       loc.Location,
	})
	return nil
}

// begin starts an operation. It must be called with c.mu held.
func (c *Cloud) begin(op operation) (engine.OperationState, *engine.NextStageInput, error) {
	if err := c.takeError(op.Kind, op.Action); err != nil {
		return "", nil, err
	}
	c.seq++
	op.ID = fmt.Sprintf("op-%06d", c.seq)
	op.Remaining = c.polls
	op.Outcome = c.takeOutcome(op.Kind, op.Action)

	c.logger.Zerolog().Debug().
		Str("operation_id", op.ID).
		Str("kind", op.Kind).
		Str("action", string(op.Action)).
		Str("name", op.Resource.Name).
		Msg("Simulated operation started")

	if op.Remaining <= 0 {
		return c.finish(op)
	}
	c.operations.Put(op.ID, op)
	handle := op.Resource.Handle()
	handle.Properties = nil
	return engine.OperationStateInProgress, &engine.NextStageInput{TrackingID: op.ID, ResourceInfo: handle}, nil
}

func (c *Cloud) check(kind string, action Action, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	if next == nil || next.TrackingID == "" {
		return "", nil, invalidToken("continuation carries no operation to poll")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.operations.Get(next.TrackingID)
	if !ok {
		// A finished operation is reported from the resource state.
		return c.settled(kind, action, next)
	}
	if op.Kind != kind || op.Action != action {
		return "", nil, invalidToken(fmt.Sprintf("operation %s is a %s %s", op.ID, op.Kind, op.Action))
	}
	if err := c.takeError(kind, action); err != nil {
		return "", nil, err
	}

	op.Remaining--
	if op.Remaining > 0 {
		c.operations.Put(op.ID, op)
		out := *next
		return engine.OperationStateInProgress, &out, nil
	}
	c.operations.Delete(op.ID)
	state, done, err := c.finish(op)
	if done != nil {
		done.Phase, done.Dependents = next.Phase, next.Dependents
	}
	return state, done, err
}

// settled answers a check whose operation already finished, so repeated
// checks of a completed token stay stable.
func (c *Cloud) settled(kind string, action Action, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	info := next.ResourceInfo
	r, exists := c.resources.Get(key(kind, info.SubscriptionID, info.ResourceGroup, info.Name))
	out := *next
	out.TrackingID = ""
	switch {
	case action == ActionDelete && !exists:
		return engine.OperationStateSucceeded, &out, nil
	case action != ActionDelete && exists:
		out.ResourceInfo = r.Handle()
		return engine.OperationStateSucceeded, &out, nil
	default:
		return "", nil, invalidToken(fmt.Sprintf("unknown operation %s", next.TrackingID))
	}
}

func (c *Cloud) finish(op operation) (engine.OperationState, *engine.NextStageInput, error) {
	handle := op.Resource.Handle()
	if op.Outcome != engine.OperationStateSucceeded {
		handle.Properties = nil
		return op.Outcome, &engine.NextStageInput{ResourceInfo: handle}, nil
	}

	switch op.Action {
	case ActionCreate:
		op.Resource.Running = op.Kind == KindVirtualMachine
		c.Put(op.Resource)
		for _, r := range op.Extra {
			c.Put(r)
		}
	case ActionDelete:
		c.resources.Delete(op.Key)
	case ActionStart:
		c.resources.Update(op.Key, func(r *Resource) { r.Running = true })
	}

	c.logger.Zerolog().Debug().
		Str("operation_id", op.ID).
		Str("kind", op.Kind).
		Str("action", string(op.Action)).
		Str("name", op.Resource.Name).
		Msg("Simulated operation finished")
	return engine.OperationStateSucceeded, &engine.NextStageInput{ResourceInfo: handle}, nil
}

func (c *Cloud) takeError(kind string, action Action) error {
	for i, f := range c.faults {
		if f.err != nil && f.kind == kind && f.action == action {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

func (c *Cloud) takeOutcome(kind string, action Action) engine.OperationState {
	for i, f := range c.faults {
		if f.state != "" && f.kind == kind && f.action == action {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
			return f.state
		}
	}
	return engine.OperationStateSucceeded
}

// existing returns the stored resource or a NOT_FOUND error. It must be
// called with c.mu held.
func (c *Cloud) existing(kind, label string, info *engine.AzureResourceInfo) (Resource, error) {
	if info == nil || info.Name == "" {
		return Resource{}, engine.NewValidationError("%s handle is required", label)
	}
	r, ok := c.Get(kind, info.SubscriptionID, info.ResourceGroup, info.Name)
	if !ok {
		return Resource{}, engine.NewNotFoundError(label, info.Name)
	}
	return r, nil
}

func (c *Cloud) deleteOp(kind, label string, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.existing(kind, label, info)
	if err != nil {
		return "", nil, err
	}
	return c.begin(operation{
		Kind:     kind,
		Action:   ActionDelete,
		Key:      key(kind, r.SubscriptionID, r.ResourceGroup, r.Name),
		Resource: r,
	})
}

func (c *Cloud) nextIP() string {
	c.seq++
	return fmt.Sprintf("10.0.%d.%d", (c.seq/250)%250, c.seq%250+4)
}

func (c *Cloud) resource(kind string, loc engine.ResourceLocation, name string, tags map[string]string, kv ...string) Resource {
	r := Resource{
		Kind:           kind,
		SubscriptionID: loc.SubscriptionID,
		ResourceGroup:  loc.ResourceGroup,
		Name:           name,
		Location:       loc.Location,
		Tags:           tags,
		Properties:     make(map[string]string),
	}
	r.Properties[providers.PropertyResourceID] = r.ID()
	r.Properties[providers.PropertyLocation] = loc.Location
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			r.Properties[kv[i]] = kv[i+1]
		}
	}
	return r
}

func key(kind, subscriptionID, resourceGroup, name string) string {
	return strings.ToLower(kind + "/" + subscriptionID + "/" + resourceGroup + "/" + name)
}

func serviceOf(kind string) engine.ServiceType {
	switch kind {
	case KindVirtualMachine, KindDisk:
		return engine.ServiceTypeCompute
	case KindNetworkInterface:
		return engine.ServiceTypeNetwork
	case KindStorageAccount:
		return engine.ServiceTypeStorage
	case KindKeyVault:
		return engine.ServiceTypeKeyVault
	default:
		return ""
	}
}

func invalidToken(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeInvalidToken)
}
