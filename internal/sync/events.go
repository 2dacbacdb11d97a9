package sync

import "time"

// Sync event types.
const (
	EventSyncStarted      = "sync.started"
	EventSyncProgress     = "sync.progress"
	EventSyncActionFailed = "sync.action_failed"
	EventSyncCompleted    = "sync.completed"
	EventSyncHalted       = "sync.halted"
)

// SyncEvent is emitted during a pass.
type SyncEvent struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// SyncEventHandler receives sync events. It is called synchronously from the
// pass and must not block.
type SyncEventHandler func(event SyncEvent)

// ActionError records one failed replay for the error history.
type ActionError struct {
	ActionID int64     `json:"action_id"`
	Type     string    `json:"type"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}
