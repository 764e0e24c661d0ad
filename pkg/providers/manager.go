package providers

import (
	"context"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// BeginFunc starts a provider operation.
type BeginFunc func(ctx context.Context) (engine.OperationState, *engine.NextStageInput, error)

// CheckFunc polls a provider operation started by a BeginFunc.
type CheckFunc func(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error)

// Deleter removes provider resources.
type Deleter interface {
	// BeginDelete starts deleting the resource. A resource that does not
	// exist yields a NOT_FOUND error.
	BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error)

	// CheckDeleteStatus polls a delete started by BeginDelete.
	CheckDeleteStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error)
}

// Manager is the adapter contract of one resource kind; T is its create input.
//
// Begin calls return InProgress with the NextStageInput to poll, or a
// terminal state. Check calls receive exactly the NextStageInput their
// begin call returned. Adapters never block until the provider operation
// completes.
type Manager[T any] interface {
	Deleter

	BeginCreate(ctx context.Context, input T) (engine.OperationState, *engine.NextStageInput, error)
	CheckCreateStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error)
}

// Starter starts deallocated compute.
type Starter interface {
	BeginStartCompute(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error)
	CheckStartComputeStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error)
}
