// Package sync replays the pending-action queue against the backend.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs one drain pass, waiting for any pass already running.
	Sync(ctx context.Context) (*SyncResult, error)

	// Trigger starts a pass in the background. Triggers arriving while a
	// pass runs are coalesced into a single rerun.
	Trigger()

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last pass that drained the queue.
	LastSync() *time.Time

	// PendingChanges returns the number of queued actions.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}
