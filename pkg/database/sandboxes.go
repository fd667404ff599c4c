package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sciffer/sandboxgate/pkg/models"
)

const sandboxColumns = "id, user_id, template, sandbox_id, status, created_at, updated_at"

// GetSandbox returns the record for (userID, template) or ErrNotFound.
// Staleness is left to the caller.
func (db *DB) GetSandbox(ctx context.Context, userID, template string) (*models.SandboxRecord, error) {
	query := "SELECT " + sandboxColumns + " FROM sandboxes WHERE user_id = $1 AND template = $2"
	rec, err := scanSandbox(db.QueryRowContext(ctx, query, userID, template))
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox for user %s: %w", userID, err)
	}
	return rec, nil
}

// GetSandboxByID returns the record pointing at the given provider sandbox
func (db *DB) GetSandboxByID(ctx context.Context, sandboxID string) (*models.SandboxRecord, error) {
	query := "SELECT " + sandboxColumns + " FROM sandboxes WHERE sandbox_id = $1"
	rec, err := scanSandbox(db.QueryRowContext(ctx, query, sandboxID))
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox %s: %w", sandboxID, err)
	}
	return rec, nil
}

// UpsertSandbox inserts or replaces the record for (UserID, Template).
// The last writer wins.
func (db *DB) UpsertSandbox(ctx context.Context, rec *models.SandboxRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO sandboxes (id, user_id, template, sandbox_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, template) DO UPDATE SET
			sandbox_id = excluded.sandbox_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.Template, rec.SandboxID, string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert sandbox: %w", err)
	}
	return nil
}

// UpdateSandboxStatus patches the status of the record holding sandboxID and
// refreshes its updated_at. Returns ErrNotFound when no record holds it.
func (db *DB) UpdateSandboxStatus(ctx context.Context, sandboxID string, status models.SandboxStatus) error {
	query := "UPDATE sandboxes SET status = $1, updated_at = $2 WHERE sandbox_id = $3"
	res, err := db.ExecContext(ctx, query, string(status), time.Now().UTC(), sandboxID)
	if err != nil {
		return fmt.Errorf("failed to update sandbox status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update sandbox %s: %w", sandboxID, ErrNotFound)
	}
	return nil
}

// DeleteSandbox removes the record holding sandboxID
func (db *DB) DeleteSandbox(ctx context.Context, sandboxID string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM sandboxes WHERE sandbox_id = $1", sandboxID)
	if err != nil {
		return fmt.Errorf("failed to delete sandbox: %w", err)
	}
	return nil
}

// ListSandboxes returns records ordered by last update, oldest first
func (db *DB) ListSandboxes(ctx context.Context, limit int) ([]*models.SandboxRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := "SELECT " + sandboxColumns + " FROM sandboxes ORDER BY updated_at ASC LIMIT $1"
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var records []*models.SandboxRecord
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountSandboxesByStatus returns the number of records per status
func (db *DB) CountSandboxesByStatus(ctx context.Context) (map[models.SandboxStatus]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sandboxes GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count sandboxes: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SandboxStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox count: %w", err)
		}
		counts[models.SandboxStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSandbox(row rowScanner) (*models.SandboxRecord, error) {
	var rec models.SandboxRecord
	var status string
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Template, &rec.SandboxID, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = models.SandboxStatus(status)
	return &rec, nil
}
