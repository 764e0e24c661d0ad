package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// UpsertCapacityUsage records the latest usage of one quota
func (s *SQLiteStore) UpsertCapacityUsage(ctx context.Context, usage *CapacityUsage) error {
	if usage.UpdatedAt.IsZero() {
		usage.UpdatedAt = s.now()
	}

	query := `
		INSERT INTO capacity_usage (subscription_id, location, service_type, quota, current_value, limit_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id, location, service_type, quota) DO UPDATE SET
			current_value = excluded.current_value,
			limit_value = excluded.limit_value,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.SubscriptionID,
		usage.Location,
		usage.ServiceType,
		usage.Quota,
		usage.CurrentValue,
		usage.Limit,
		toMillis(usage.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert capacity usage: %w", err)
	}

	return nil
}

// GetCapacityUsage retrieves the recorded usage of one quota
func (s *SQLiteStore) GetCapacityUsage(ctx context.Context, subscriptionID, location string, serviceType engine.ServiceType, quota string) (*CapacityUsage, error) {
	query := `
		SELECT current_value, limit_value, updated_at
		FROM capacity_usage
		WHERE subscription_id = ? AND location = ? AND service_type = ? AND quota = ?
	`

	usage := &CapacityUsage{
		SubscriptionID: subscriptionID,
		Location:       location,
		ServiceType:    serviceType,
		Quota:          quota,
	}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, subscriptionID, location, serviceType, quota).
		Scan(&usage.CurrentValue, &usage.Limit, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("capacity usage", fmt.Sprintf("%s/%s/%s/%s", subscriptionID, location, serviceType, quota))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capacity usage: %w", err)
	}
	usage.UpdatedAt = fromMillis(updatedAt)

	return usage, nil
}
