package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
)

// Strategy creates and deletes one kind of resource.
type Strategy interface {
	// Kind is the resource type the strategy is registered under.
	Kind() engine.ResourceType

	// CanHandle reports whether the strategy serves resources of type t.
	CanHandle(t engine.ResourceType) bool

	// BuildOperationInput turns a request into the strategy's input,
	// choosing a placement. Requests the strategy cannot serve fail with
	// NOT_SUPPORTED.
	BuildOperationInput(ctx context.Context, req *CreateRequest) (*OperationInput, error)

	// RunOperationCore drives creation one step. An empty token begins it.
	RunOperationCore(ctx context.Context, input *OperationInput, token string) (*engine.ContinuationResult, error)

	// Delete removes a resource one step at a time. A resource that is
	// already gone counts as deleted.
	Delete(ctx context.Context, input *DeleteInput, token string) (*engine.ContinuationResult, error)
}

// Registry maps resource types to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[engine.ResourceType]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[engine.ResourceType]Strategy)}
}

// Register adds a strategy under its own kind.
func (r *Registry) Register(s Strategy) error {
	kind := s.Kind()
	if err := kind.Validate(); err != nil {
		return err
	}
	if !s.CanHandle(kind) {
		return fmt.Errorf("strategy for %s does not handle its own kind", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[kind]; exists {
		return fmt.Errorf("strategy for %s already registered", kind)
	}
	r.strategies[kind] = s
	return nil
}

// For returns the strategy of a resource type.
func (r *Registry) For(kind engine.ResourceType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, engine.NewNotSupportedError("no strategy handles resource type %q", kind)
	}
	return s, nil
}

// Kinds lists the registered resource types.
func (r *Registry) Kinds() []engine.ResourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]engine.ResourceType, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Adapters are the provider adapters behind the built-in strategies.
type Adapters struct {
	// Provider labels logs, spans and metrics.
	Provider string

	Disks             providers.Manager[*providers.DiskCreateInput]
	NetworkInterfaces providers.Manager[*providers.NetworkInterfaceCreateInput]
	Queues            providers.Manager[*providers.QueueCreateInput]
	KeyVaults         providers.Manager[*providers.KeyVaultCreateInput]
}

// NewDefaultRegistry registers a strategy for every resource type.
func NewDefaultRegistry(adapters Adapters, vms *compute.Provider, repo engine.ResourceRepository, capacity engine.CapacityManager, opts ComputeOptions) (*Registry, error) {
	r := NewRegistry()
	strategies := []Strategy{
		NewComputeStrategy(r, vms, repo, capacity, opts),
		NewOSDiskStrategy(adapters.Disks, capacity, adapters.Provider),
		NewInputQueueStrategy(adapters.Queues, capacity, adapters.Provider),
		NewNetworkInterfaceStrategy(adapters.NetworkInterfaces, capacity, adapters.Provider),
		NewKeyVaultStrategy(adapters.KeyVaults, capacity, adapters.Provider),
	}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}
