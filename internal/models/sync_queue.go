package models

import "github.com/jmoiron/sqlx/types"

// ActionState is the replay state of a pending action.
type ActionState string

const (
	// ActionStatePending waits for the next sync pass.
	ActionStatePending ActionState = "pending"
	// ActionStateFailed was rejected permanently by the backend.
	ActionStateFailed ActionState = "failed"
	// ActionStateBlocked depends on a temporary id whose create failed.
	ActionStateBlocked ActionState = "blocked"
)

// PendingAction is the stored row of one queued mutation.
type PendingAction struct {
	ID             int64          `db:"id" json:"id"`
	Type           string         `db:"type" json:"type"`
	Payload        types.JSONText `db:"payload" json:"payload"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	CreatedAt      int64          `db:"created_at" json:"created_at"`
	UpdatedAt      int64          `db:"updated_at" json:"updated_at"`
	Attempts       int            `db:"attempts" json:"attempts"`
	LastError      string         `db:"last_error" json:"last_error,omitempty"`
	State          ActionState    `db:"state" json:"state"`
}

// TableName returns the table name for PendingAction.
func (PendingAction) TableName() string {
	return "pending_actions"
}

// Blob is a cached key/value entry for parent-less lookups.
type Blob struct {
	Key      string         `db:"key" json:"key"`
	Value    types.JSONText `db:"value" json:"value"`
	CachedAt int64          `db:"cached_at" json:"cached_at"`
}

// TableName returns the table name for Blob.
func (Blob) TableName() string {
	return "cache_blobs"
}
