package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sciffer/sandboxgate/pkg/models"
)

// PlanType returns the user's plan; users without a subscription are free
func (db *DB) PlanType(ctx context.Context, userID string) (models.PlanType, error) {
	var plan string
	err := db.QueryRowContext(ctx, "SELECT plan_type FROM subscriptions WHERE user_id = $1", userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlanFree, nil
	}
	if err != nil {
		return models.PlanFree, fmt.Errorf("failed to get plan type: %w", err)
	}
	return models.ParsePlanType(plan), nil
}

// SetPlanType records the user's plan
func (db *DB) SetPlanType(ctx context.Context, userID string, plan models.PlanType) error {
	query := `
		INSERT INTO subscriptions (user_id, plan_type, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_type = excluded.plan_type,
			updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query, userID, string(plan), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set plan type: %w", err)
	}
	return nil
}
