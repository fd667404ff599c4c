package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sciffer/sandboxgate/pkg/models"
)

// SaveSandboxEvent appends a lifecycle event for a sandbox
func (db *DB) SaveSandboxEvent(ctx context.Context, sandboxID, userID, eventType, details string) (*models.SandboxEvent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	query := `
		INSERT INTO sandbox_events (id, sandbox_id, user_id, event_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := db.ExecContext(ctx, query, id, sandboxID, nullIfEmpty(userID), eventType, nullIfEmpty(details), now)
	if err != nil {
		return nil, fmt.Errorf("failed to save sandbox event: %w", err)
	}

	return &models.SandboxEvent{
		ID:        id,
		SandboxID: sandboxID,
		UserID:    userID,
		EventType: eventType,
		Details:   details,
		Timestamp: now,
	}, nil
}

// ListSandboxEvents returns events for a sandbox, oldest first
func (db *DB) ListSandboxEvents(ctx context.Context, sandboxID string, limit int) ([]*models.SandboxEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	query := `
		SELECT id, sandbox_id, COALESCE(user_id, ''), event_type, COALESCE(details, ''), created_at
		FROM sandbox_events
		WHERE sandbox_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := db.QueryContext(ctx, query, sandboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox events: %w", err)
	}
	defer rows.Close()

	var events []*models.SandboxEvent
	for rows.Next() {
		var e models.SandboxEvent
		if err := rows.Scan(&e.ID, &e.SandboxID, &e.UserID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
