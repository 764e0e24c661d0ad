package broker

import (
	"context"
	"encoding/json"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/jobs"
)

// ResourceJob is the input of delete and start jobs.
type ResourceJob struct {
	ResourceID string `json:"resourceId"`
}

// OrphanJob is the input of delete-orphan jobs: a provider resource the
// service created that no record references any more.
type OrphanJob struct {
	Type engine.ResourceType      `json:"type"`
	Info engine.AzureResourceInfo `json:"info"`
}

// Handlers returns the continuation handlers of the broker queues.
func (b *Broker) Handlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		QueueCreateResource: b.handleCreate,
		QueueDeleteResource: b.handleDelete,
		QueueStartResource:  b.handleStart,
		QueueDeleteOrphan:   b.handleDeleteOrphan,
	}
}

func (b *Broker) handleCreate(ctx context.Context, input json.RawMessage, token string) (*engine.ContinuationResult, error) {
	var req CreateRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, engine.NewValidationError("malformed create job: %v", err)
	}
	return b.Create(ctx, &req, token)
}

func (b *Broker) handleDelete(ctx context.Context, input json.RawMessage, token string) (*engine.ContinuationResult, error) {
	job, err := decodeResourceJob(input)
	if err != nil {
		return nil, err
	}
	return b.Delete(ctx, job.ResourceID, token)
}

func (b *Broker) handleStart(ctx context.Context, input json.RawMessage, token string) (*engine.ContinuationResult, error) {
	job, err := decodeResourceJob(input)
	if err != nil {
		return nil, err
	}
	return b.StartCompute(ctx, job.ResourceID, token)
}

func (b *Broker) handleDeleteOrphan(ctx context.Context, input json.RawMessage, token string) (*engine.ContinuationResult, error) {
	var job OrphanJob
	if err := json.Unmarshal(input, &job); err != nil {
		return nil, engine.NewValidationError("malformed orphan job: %v", err)
	}
	if job.Type == "" || job.Info.Name == "" {
		return nil, engine.NewValidationError("orphan job without type or name")
	}
	return b.DeleteOrphan(ctx, &job, token)
}

func decodeResourceJob(input json.RawMessage) (*ResourceJob, error) {
	var job ResourceJob
	if err := json.Unmarshal(input, &job); err != nil {
		return nil, engine.NewValidationError("malformed resource job: %v", err)
	}
	if job.ResourceID == "" {
		return nil, engine.NewValidationError("resource job without resource id")
	}
	return &job, nil
}
