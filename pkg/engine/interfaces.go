package engine

import (
	"context"
	"time"
)

// ResourceRepository stores resource records with optimistic concurrency.
type ResourceRepository interface {
	// CreateResource inserts a new record. It fails with ALREADY_EXISTS if the id is taken.
	CreateResource(ctx context.Context, record *ResourceRecord) error

	// GetResource returns a record or a NOT_FOUND error.
	GetResource(ctx context.Context, id string) (*ResourceRecord, error)

	// UpdateResource writes record if its Version still matches the stored one,
	// then advances record.Version. A stale version yields a conflict error.
	UpdateResource(ctx context.Context, record *ResourceRecord) error

	// ListResources returns records matching the filter.
	ListResources(ctx context.Context, filter ResourceFilter) ([]*ResourceRecord, error)
}

// ResourceFilter selects resource records.
type ResourceFilter struct {
	Type               ResourceType
	ProvisioningStatus OperationState
	IsAssigned         *bool
	IncludeDeleted     bool
	Limit              int
}

// CapacityManager chooses where new resources are placed.
type CapacityManager interface {
	// SelectResourceLocation returns a subscription, resource group and location
	// with enough quota for every criterion, or a NO_CAPACITY error.
	SelectResourceLocation(ctx context.Context, criteria []ResourceCriterion, location string) (*ResourceLocation, error)
}

// Clock abstracts time for components that schedule or stamp records.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// EnvironmentRepository stores environment records with optimistic concurrency.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)

	// UpdateEnvironment follows the same version precondition as UpdateResource.
	UpdateEnvironment(ctx context.Context, env *Environment) error

	ListEnvironments(ctx context.Context, state CloudEnvironmentState, limit int) ([]*Environment, error)
}
