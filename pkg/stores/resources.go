package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// CreateResource inserts a new resource record at version 1
func (s *SQLiteStore) CreateResource(ctx context.Context, record *engine.ResourceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Version = 1
	if record.ProvisioningStatus == "" {
		record.ProvisioningStatus = engine.OperationStateNotStarted
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode resource: %w", err)
	}

	query := `
		INSERT INTO resources (id, type, location, provisioning_status, is_assigned, is_deleted, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Type,
		record.Location,
		record.ProvisioningStatus,
		boolToInt(record.IsAssigned),
		boolToInt(record.IsDeleted),
		record.Version,
		string(data),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError("resource already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).WithResource(record.ID)
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}

	return nil
}

// GetResource retrieves a resource record by ID
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.ResourceRecord, error) {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM resources WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("resource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return decodeResource(data, version)
}

// UpdateResource writes the record if its version is current and advances it
func (s *SQLiteStore) UpdateResource(ctx context.Context, record *engine.ResourceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	next := *record
	next.Version = record.Version + 1
	next.UpdatedAt = s.now()

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode resource: %w", err)
	}

	query := `
		UPDATE resources
		SET type = ?, location = ?, provisioning_status = ?, is_assigned = ?, is_deleted = ?,
			version = ?, data = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		next.Type,
		next.Location,
		next.ProvisioningStatus,
		boolToInt(next.IsAssigned),
		boolToInt(next.IsDeleted),
		next.Version,
		string(data),
		toMillis(next.UpdatedAt),
		record.ID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return s.missingOrStale(ctx, "resources", "resource", record.ID, record.Version)
	}

	record.Version = next.Version
	record.UpdatedAt = next.UpdatedAt
	return nil
}

// ListResources lists resource records matching the filter
func (s *SQLiteStore) ListResources(ctx context.Context, filter engine.ResourceFilter) ([]*engine.ResourceRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.ProvisioningStatus != "" {
		conds = append(conds, "provisioning_status = ?")
		args = append(args, filter.ProvisioningStatus)
	}
	if filter.IsAssigned != nil {
		conds = append(conds, "is_assigned = ?")
		args = append(args, boolToInt(*filter.IsAssigned))
	}
	if !filter.IncludeDeleted {
		conds = append(conds, "is_deleted = 0")
	}

	query := `SELECT data, version FROM resources`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	records := []*engine.ResourceRecord{}
	for rows.Next() {
		var (
			data    string
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		record, err := decodeResource(data, version)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return records, nil
}

func decodeResource(data string, version int64) (*engine.ResourceRecord, error) {
	record := &engine.ResourceRecord{}
	if err := json.Unmarshal([]byte(data), record); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	record.Version = version
	return record, nil
}

// missingOrStale explains why a versioned update touched no rows.
func (s *SQLiteStore) missingOrStale(ctx context.Context, table, kind, id string, version int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s version: %w", kind, err)
	}
	return engine.NewConflictError(fmt.Sprintf("%s version mismatch", kind), nil).
		WithCode(engine.ErrCodePreconditionFailed).
		WithResource(id).
		WithDetail("expected_version", version).
		WithDetail("current_version", current)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
