package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

const jobColumns = `id, queue_id, payload, status, attempts, visible_at, last_error, created_at, updated_at`

// EnqueueJob adds a job that becomes visible after delay
func (s *SQLiteStore) EnqueueJob(ctx context.Context, queueID, payload string, delay time.Duration) (*Job, error) {
	if queueID == "" {
		return nil, engine.NewValidationError("queue id is required")
	}

	now := s.now()
	job := &Job{
		ID:        uuid.New().String(),
		QueueID:   queueID,
		Payload:   payload,
		Status:    JobStatusPending,
		VisibleAt: now.Add(delay),
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO jobs (id, queue_id, payload, status, attempts, visible_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.QueueID,
		job.Payload,
		job.Status,
		toMillis(job.VisibleAt),
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job, nil
}

// DequeueJob claims the oldest visible job on the queue and hides it for
// visibilityTimeout. It returns nil when nothing is visible.
func (s *SQLiteStore) DequeueJob(ctx context.Context, queueID string, visibilityTimeout time.Duration) (*Job, error) {
	now := s.now()

	query := `
		UPDATE jobs
		SET visible_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue_id = ? AND status = ? AND visible_at <= ?
			ORDER BY visible_at, created_at
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query,
		toMillis(now.Add(visibilityTimeout)),
		toMillis(now),
		queueID,
		JobStatusPending,
		toMillis(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	return job, nil
}

// CompleteJob removes a finished job
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireRow(result, "job", id)
}

// RescheduleJob replaces the payload of a claimed job and makes it visible again after delay
func (s *SQLiteStore) RescheduleJob(ctx context.Context, id, payload string, delay time.Duration, lastErr *string) error {
	now := s.now()

	query := `
		UPDATE jobs
		SET payload = ?, visible_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, payload, toMillis(now.Add(delay)), lastErr, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return requireRow(result, "job", id)
}

// FailJob parks a job that exhausted its attempts
func (s *SQLiteStore) FailJob(ctx context.Context, id, reason string) error {
	query := `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, JobStatusFailed, reason, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return requireRow(result, "job", id)
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// CountJobs counts jobs on a queue with the given status
func (s *SQLiteStore) CountJobs(ctx context.Context, queueID string, status JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue_id = ? AND status = ?`, queueID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		job                             Job
		visibleAt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&job.ID,
		&job.QueueID,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&visibleAt,
		&job.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.VisibleAt = fromMillis(visibleAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return nil
}
