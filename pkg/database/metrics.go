package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metric is a stored metric data point
type Metric struct {
	ID         string    `json:"id"`
	SandboxID  string    `json:"sandbox_id,omitempty"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// SaveMetric stores a data point; an empty sandboxID marks a global metric
func (db *DB) SaveMetric(ctx context.Context, sandboxID, metricType string, value float64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO metrics (id, sandbox_id, metric_type, value, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), nullIfEmpty(sandboxID), metricType, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store metric: %w", err)
	}
	return nil
}

// ListMetrics returns the most recent data points of a type, newest first
func (db *DB) ListMetrics(ctx context.Context, metricType string, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, COALESCE(sandbox_id, ''), metric_type, value, timestamp
		FROM metrics
		WHERE metric_type = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, metricType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.SandboxID, &m.MetricType, &m.Value, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// PurgeMetrics deletes data points recorded before cutoff
func (db *DB) PurgeMetrics(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM metrics WHERE timestamp < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
