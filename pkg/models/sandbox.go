package models

import "time"

// SandboxStatus is the persisted lifecycle state of a user's sandbox.
// A missing record stands for the NONE state.
type SandboxStatus string

const (
	SandboxActive  SandboxStatus = "active"
	SandboxPausing SandboxStatus = "pausing"
	SandboxPaused  SandboxStatus = "paused"
)

// Valid reports whether s is one of the persisted states
func (s SandboxStatus) Valid() bool {
	switch s {
	case SandboxActive, SandboxPausing, SandboxPaused:
		return true
	}
	return false
}

// SandboxRecord maps (user, template) to the provider sandbox serving it
type SandboxRecord struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Template  string        `json:"template"`
	SandboxID string        `json:"sandbox_id"`
	Status    SandboxStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StaleAt reports whether the record was last touched before cutoff
func (r *SandboxRecord) StaleAt(cutoff time.Time) bool {
	return r.UpdatedAt.Before(cutoff)
}

// SandboxEvent is one lifecycle transition of a sandbox
type SandboxEvent struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	UserID    string    `json:"user_id,omitempty"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sandbox event types
const (
	EventCreated         = "created"
	EventResumed         = "resumed"
	EventRecreated       = "recreated"
	EventPausing         = "pausing"
	EventPaused          = "paused"
	EventPauseFailed     = "pause_failed"
	EventDeletedNotFound = "deleted_not_found"
	EventDeletedStuck    = "deleted_stuck"
	EventDeletedStale    = "deleted_stale"
	EventDeletedOrphan   = "deleted_orphan"
	EventDestroyed       = "destroyed"
	EventKeptActive      = "kept_active"
)
