package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// CreateEnvironment inserts a new environment record at version 1
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *engine.Environment) error {
	if env.ID == "" {
		return engine.NewValidationError("environment id is required")
	}
	if err := env.State.Validate(); err != nil {
		return engine.NewValidationError("%v", err).WithResource(env.ID)
	}

	now := s.now()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	if env.StateUpdated.IsZero() {
		env.StateUpdated = now
	}
	env.UpdatedAt = now
	env.Version = 1

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode environment: %w", err)
	}

	query := `
		INSERT INTO environments (id, state, compute_resource_id, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		env.ID,
		env.State,
		env.ComputeResourceID,
		env.Version,
		string(data),
		toMillis(env.CreatedAt),
		toMillis(env.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError("environment already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).WithResource(env.ID)
		}
		return fmt.Errorf("failed to create environment: %w", err)
	}

	return nil
}

// GetEnvironment retrieves an environment record by ID
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*engine.Environment, error) {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM environments WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("environment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	return decodeEnvironment(data, version)
}

// UpdateEnvironment writes the record if its version is current and advances it
func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, env *engine.Environment) error {
	next := *env
	next.Version = env.Version + 1
	next.UpdatedAt = s.now()

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode environment: %w", err)
	}

	query := `
		UPDATE environments
		SET state = ?, compute_resource_id = ?, version = ?, data = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		next.State,
		next.ComputeResourceID,
		next.Version,
		string(data),
		toMillis(next.UpdatedAt),
		env.ID,
		env.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update environment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return s.missingOrStale(ctx, "environments", "environment", env.ID, env.Version)
	}

	env.Version = next.Version
	env.UpdatedAt = next.UpdatedAt
	return nil
}

// ListEnvironments lists environments in the given state, or all when state is empty
func (s *SQLiteStore) ListEnvironments(ctx context.Context, state engine.CloudEnvironmentState, limit int) ([]*engine.Environment, error) {
	query := `SELECT data, version FROM environments`
	var args []interface{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	envs := []*engine.Environment{}
	for rows.Next() {
		var (
			data    string
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		env, err := decodeEnvironment(data, version)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}

	return envs, nil
}

func decodeEnvironment(data string, version int64) (*engine.Environment, error) {
	env := &engine.Environment{}
	if err := json.Unmarshal([]byte(data), env); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	env.Version = version
	return env, nil
}
