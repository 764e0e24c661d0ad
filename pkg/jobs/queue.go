package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/stores"
)

// Handler runs one continuation step of a job. token is empty on the
// first step and otherwise carries the token of the previous in-progress
// result.
type Handler func(ctx context.Context, input json.RawMessage, token string) (*engine.ContinuationResult, error)

// Payload is the stored form of a job.
type Payload struct {
	Input json.RawMessage `json:"input"`
	Token string          `json:"token,omitempty"`

	// Failures counts consecutive handler errors.
	Failures int `json:"failures,omitempty"`
}

// Store is the durable queue.
type Store interface {
	EnqueueJob(ctx context.Context, queueID, payload string, delay time.Duration) (*stores.Job, error)
	DequeueJob(ctx context.Context, queueID string, visibilityTimeout time.Duration) (*stores.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id, payload string, delay time.Duration, lastErr *string) error
	FailJob(ctx context.Context, id, reason string) error
	CountJobs(ctx context.Context, queueID string, status stores.JobStatus) (int, error)
}

// Queue enqueues jobs.
type Queue struct {
	store Store
}

// NewQueue creates a queue over store.
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue adds a job whose handler starts from an empty token.
func (q *Queue) Enqueue(ctx context.Context, queueID string, input interface{}, delay time.Duration) (*stores.Job, error) {
	return q.EnqueueContinuation(ctx, queueID, input, "", delay)
}

// EnqueueContinuation adds a job whose first step resumes from token.
func (q *Queue) EnqueueContinuation(ctx context.Context, queueID string, input interface{}, token string, delay time.Duration) (*stores.Job, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s job input: %w", queueID, err)
	}
	data, err := json.Marshal(Payload{Input: raw, Token: token})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s job: %w", queueID, err)
	}
	return q.store.EnqueueJob(ctx, queueID, string(data), delay)
}

func decodePayload(data string) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func encodePayload(p *Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
