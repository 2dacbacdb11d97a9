// Package conflict reconciles remote changes with the local cache.
// Synced records follow the server (last write wins); records with unsynced
// local edits are kept, marked as conflicts and logged.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/cache"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

// Resolution values recorded for each change.
const (
	ResolutionRemoteApplied = "remote_applied"
	ResolutionLocalKept     = "local_kept"
	ResolutionStale         = "stale_ignored"
	ResolutionIgnored       = "ignored"
)

// Resolver applies remote changes to the cache.
type Resolver struct {
	strategy ResolutionStrategy
	logger   *logging.Logger
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = ResolutionStrategyLastWriteWins
	}
	return &Resolver{
		strategy: strategy,
		logger:   logging.Get().Named("conflict"),
		now:      time.Now,
	}
}

// ResolveResult represents the outcome of one change.
type ResolveResult struct {
	Collection  models.Collection
	RecordID    string
	Resolution  string
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog // set when local edits were kept
}

// Conflict reports whether the change collided with unsynced local edits.
func (r *ResolveResult) Conflict() bool {
	return r.ConflictLog != nil
}

// Resolve applies change to the cache bound to acc. Callers that need
// atomicity bind acc to a transaction.
func (r *Resolver) Resolve(ctx context.Context, acc *cache.Accessors, change backend.Change) (*ResolveResult, error) {
	id := change.ID()
	result := &ResolveResult{
		Collection: change.Collection,
		RecordID:   id,
		Strategy:   r.strategy,
		Resolution: ResolutionIgnored,
	}
	if id == "" || !change.Collection.IsLocal() {
		return result, nil
	}

	local, exists, err := acc.Fields(ctx, change.Collection, id)
	if err != nil {
		return nil, err
	}
	status := models.SyncStatusSynced
	if exists {
		status = models.SyncStatus(fmt.Sprint(local["_syncStatus"]))
	}

	if exists && (status != models.SyncStatusSynced || r.strategy == ResolutionStrategyManual) {
		return r.keepLocal(ctx, acc, change, status, result)
	}

	switch change.Type {
	case backend.ChangeDelete:
		if !exists {
			return result, nil
		}
		if err := acc.Delete(ctx, change.Collection, id); err != nil {
			return nil, err
		}
		result.Resolution = ResolutionRemoteApplied

	case backend.ChangeInsert, backend.ChangeUpdate:
		if exists && newer(local, change.Record) {
			result.Resolution = ResolutionStale
			r.logger.Debug("ignoring stale remote change", map[string]interface{}{
				"collection": change.Collection,
				"record_id":  id,
			})
			return result, nil
		}
		if err := acc.PutRaw(ctx, change.Collection, change.Record, models.SyncStatusSynced); err != nil {
			return nil, err
		}
		result.Resolution = ResolutionRemoteApplied
	}
	return result, nil
}

// keepLocal marks the local copy as conflicting and logs the remote change.
func (r *Resolver) keepLocal(ctx context.Context, acc *cache.Accessors, change backend.Change, status models.SyncStatus, result *ResolveResult) (*ResolveResult, error) {
	entry := &models.ConflictLog{
		Collection:      change.Collection,
		RecordID:        result.RecordID,
		ChangeType:      string(change.Type),
		LocalStatus:     status,
		RemoteTimestamp: updatedAt(change.Record, change.CommitTimestamp),
		Resolution:      ResolutionLocalKept,
		DetectedAt:      r.now().Unix(),
	}
	if err := acc.SetStatus(ctx, change.Collection, result.RecordID, models.SyncStatusConflict); err != nil {
		return nil, err
	}
	if err := acc.Blobs.Put(ctx, entry.BlobKey(), entry); err != nil {
		return nil, err
	}

	r.logger.Warn("remote change conflicts with local edits", map[string]interface{}{
		"collection":       change.Collection,
		"record_id":        result.RecordID,
		"change_type":      change.Type,
		"local_status":     status,
		"remote_timestamp": entry.RemoteTimestamp,
	})

	result.Resolution = ResolutionLocalKept
	result.ConflictLog = entry
	return result, nil
}

// newer reports whether the local copy carries a later updated_at than the
// remote row. Rows without timestamps are never considered stale.
func newer(local, remote map[string]any) bool {
	l, _ := local["updated_at"].(string)
	rt, _ := remote["updated_at"].(string)
	if l == "" || rt == "" {
		return false
	}
	lt, err1 := time.Parse(time.RFC3339Nano, l)
	rtt, err2 := time.Parse(time.RFC3339Nano, rt)
	if err1 != nil || err2 != nil {
		return false
	}
	return lt.After(rtt)
}

func updatedAt(record map[string]any, commit time.Time) string {
	if ts, ok := record["updated_at"].(string); ok && ts != "" {
		return ts
	}
	if commit.IsZero() {
		return ""
	}
	return commit.UTC().Format(time.RFC3339Nano)
}

// Conflicts returns every logged conflict.
func Conflicts(ctx context.Context, acc *cache.Accessors) ([]models.ConflictLog, error) {
	blobs, err := acc.Blobs.List(ctx, conflictPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConflictLog, 0, len(blobs))
	for _, b := range blobs {
		var entry models.ConflictLog
		if err := json.Unmarshal(b.Value, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %s: %w", b.Key, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Dismiss clears a logged conflict and returns the record to pending so the
// local edits are still sent.
func Dismiss(ctx context.Context, acc *cache.Accessors, c models.Collection, id string) error {
	entry := models.ConflictLog{Collection: c, RecordID: id}
	if err := acc.Blobs.Delete(ctx, entry.BlobKey()); err != nil {
		return err
	}
	status, ok, err := acc.Status(ctx, c, id)
	if err != nil || !ok || status != models.SyncStatusConflict {
		return err
	}
	return acc.SetStatus(ctx, c, id, models.SyncStatusPending)
}

const conflictPrefix = "conflict:"
