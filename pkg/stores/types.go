package stores

import (
	"context"
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// JobStatus represents the status of a queued job
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusFailed  JobStatus = "failed"
)

// Job is a unit of deferred work on a named queue
type Job struct {
	ID        string    `json:"id"`
	QueueID   string    `json:"queue_id"`
	Payload   string    `json:"payload"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	VisibleAt time.Time `json:"visible_at"`
	LastError *string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lease grants one owner exclusive use of a named shard until it expires
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CapacityUsage is the last observed quota usage of a subscription in a location
type CapacityUsage struct {
	SubscriptionID string             `json:"subscription_id"`
	Location       string             `json:"location"`
	ServiceType    engine.ServiceType `json:"service_type"`
	Quota          string             `json:"quota"`
	CurrentValue   int64              `json:"current_value"`
	Limit          int64              `json:"limit"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Available returns the remaining quota.
func (u *CapacityUsage) Available() int64 {
	return u.Limit - u.CurrentValue
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.ResourceRepository
	engine.EnvironmentRepository

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	SchemaVersion(ctx context.Context) (uint, bool, error)

	// Job operations
	EnqueueJob(ctx context.Context, queueID, payload string, delay time.Duration) (*Job, error)
	DequeueJob(ctx context.Context, queueID string, visibilityTimeout time.Duration) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id, payload string, delay time.Duration, lastErr *string) error
	FailJob(ctx context.Context, id, reason string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	CountJobs(ctx context.Context, queueID string, status JobStatus) (int, error)

	// Lease operations
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error

	// Capacity operations
	UpsertCapacityUsage(ctx context.Context, usage *CapacityUsage) error
	GetCapacityUsage(ctx context.Context, subscriptionID, location string, serviceType engine.ServiceType, quota string) (*CapacityUsage, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
