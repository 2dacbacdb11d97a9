// Package queue provides the durable pending-action queue for offline writes.
// Entries are persisted before Enqueue returns and replayed in sequence order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/metrics"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

// Payload carries what is needed to replay an action against the backend.
type Payload struct {
	// Collection is the remote collection the action writes to.
	Collection models.Collection `json:"collection"`
	// RecordID is the target id; for creates it is the temporary id the
	// action will resolve.
	RecordID string `json:"record_id,omitempty"`
	// ParentID is the parent the record hangs off, when relevant.
	ParentID string `json:"parent_id,omitempty"`
	// Record is the full body of a create.
	Record map[string]any `json:"record,omitempty"`
	// Patch is the field set of an update.
	Patch map[string]any `json:"patch,omitempty"`
}

// Action is one queued mutation.
type Action struct {
	ID             int64              `json:"id"`
	Type           ActionType         `json:"type"`
	Payload        Payload            `json:"payload"`
	IdempotencyKey string             `json:"idempotency_key"`
	CreatedAt      time.Time          `json:"created_at"`
	Attempts       int                `json:"attempts"`
	LastError      string             `json:"last_error,omitempty"`
	State          models.ActionState `json:"state"`
	// Corrupt is set when the stored row could not be decoded. Such an entry
	// has an empty payload and can only be failed or discarded.
	Corrupt string `json:"corrupt,omitempty"`
}

// Spec returns the registry entry of the action's type.
func (a *Action) Spec() Spec {
	return Specs[a.Type]
}

// Stats summarizes the queue for UI badges.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
}

// Queue is the durable pending-action queue.
type Queue struct {
	ops    db.Ops
	logger *logging.Logger
}

// New creates a queue over ops (the store or an open transaction).
func New(ops db.Ops) *Queue {
	return &Queue{
		ops:    ops,
		logger: logging.Get().Named("queue"),
	}
}

// Enqueue persists a new action and returns it. The action is durable once
// Enqueue returns without error.
func (q *Queue) Enqueue(ctx context.Context, t ActionType, p Payload) (*Action, error) {
	spec, ok := Specs[t]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown action type %q", t))
	}
	if p.Collection == "" {
		p.Collection = spec.Collection
	}
	if p.Collection != spec.Collection {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("action %s writes %s, not %s", t, spec.Collection, p.Collection))
	}
	if spec.Op != OpInsert && p.RecordID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("action %s needs a record id", t))
	}

	key := uuid.NewActionKey()
	if spec.Op == OpInsert {
		if p.Record == nil {
			p.Record = make(map[string]any)
		}
		// The server assigns the id; the temp id only lives in RecordID.
		if id, _ := p.Record["id"].(string); uuid.IsTemp(id) {
			delete(p.Record, "id")
		}
		delete(p.Record, "_syncStatus")
		if ref, _ := p.Record["client_ref"].(string); ref == "" {
			p.Record["client_ref"] = key
		} else {
			key = ref
		}
	}
	delete(p.Patch, "_syncStatus")

	data, err := json.Marshal(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode payload", err)
	}

	row := &models.PendingAction{
		Type:           string(t),
		Payload:        data,
		IdempotencyKey: key,
		State:          models.ActionStatePending,
	}
	if _, err := q.ops.InsertAction(ctx, row); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueFailed, fmt.Sprintf("failed to enqueue %s", t), err)
	}
	metrics.RecordEnqueue(string(t))

	q.logger.Info("enqueued action", map[string]interface{}{
		"id":        row.ID,
		"type":      t,
		"record_id": p.RecordID,
	})
	return fromRow(row), nil
}

// List returns every entry, oldest first. This is the replay order.
func (q *Queue) List(ctx context.Context) ([]*Action, error) {
	rows, err := q.ops.ListActions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Action, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// Get returns one entry, or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id int64) (*Action, error) {
	row, err := q.ops.GetAction(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	return fromRow(row), nil
}

// Remove deletes a confirmed entry.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	ok, err := q.ops.DeleteAction(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %d not found", id))
	}
	return nil
}

// MarkFailed records a failed attempt. A permanent failure moves the entry to
// the failed state, where it waits for RetryFailed or Discard; a transient
// one leaves it pending for the next pass.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error, permanent bool) (*Action, error) {
	row, err := q.getRow(ctx, id)
	if err != nil {
		return nil, err
	}

	row.Attempts++
	if cause != nil {
		row.LastError = cause.Error()
	}
	if permanent {
		row.State = models.ActionStateFailed
	} else {
		row.State = models.ActionStatePending
	}
	if err := q.ops.UpdateAction(ctx, row); err != nil {
		return nil, err
	}

	q.logger.Warn("action failed", map[string]interface{}{
		"id":        id,
		"type":      row.Type,
		"attempts":  row.Attempts,
		"permanent": permanent,
		"error":     row.LastError,
	})
	return fromRow(row), nil
}

// MarkBlocked holds an entry back because a dependency could not be resolved.
func (q *Queue) MarkBlocked(ctx context.Context, id int64, reason string) (*Action, error) {
	row, err := q.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.State == models.ActionStateBlocked && row.LastError == reason {
		return fromRow(row), nil
	}

	row.State = models.ActionStateBlocked
	row.LastError = reason
	if err := q.ops.UpdateAction(ctx, row); err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// Count returns the number of entries not yet confirmed.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.ops.CountActions(ctx)
}

// Stats returns per-state counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	byState, err := q.ops.CountActionsByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending: byState[models.ActionStatePending],
		Failed:  byState[models.ActionStateFailed],
		Blocked: byState[models.ActionStateBlocked],
	}
	s.Total = s.Pending + s.Failed + s.Blocked
	return s, nil
}

// RetryFailed resets failed and blocked entries to pending for retry.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	rows, err := q.ops.ListActions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range rows {
		row := &rows[i]
		if row.State == models.ActionStatePending {
			continue
		}
		row.State = models.ActionStatePending
		row.Attempts = 0
		row.LastError = ""
		if err := q.ops.UpdateAction(ctx, row); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		q.logger.Info("reset actions for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// Discard drops an entry on explicit user decision. Entries that depend on a
// discarded create become blocked on the next pass.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	if err := q.Remove(ctx, id); err != nil {
		return err
	}
	q.logger.Warn("discarded action", map[string]interface{}{"id": id})
	return nil
}

// RewriteReferences replaces tempID with serverID in every queued payload
// and returns how many entries changed.
func (q *Queue) RewriteReferences(ctx context.Context, tempID, serverID string) (int, error) {
	if tempID == "" || tempID == serverID {
		return 0, nil
	}
	rows, err := q.ops.ListActions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range rows {
		row := &rows[i]
		s := string(row.Payload)
		if !strings.Contains(s, tempID) {
			continue
		}
		row.Payload = []byte(strings.ReplaceAll(s, tempID, serverID))
		if err := q.ops.UpdateAction(ctx, row); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (q *Queue) getRow(ctx context.Context, id int64) (*models.PendingAction, error) {
	row, err := q.ops.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %d not found", id))
	}
	return row, nil
}

func fromRow(row *models.PendingAction) *Action {
	a := &Action{
		ID:             row.ID,
		Type:           ActionType(row.Type),
		IdempotencyKey: row.IdempotencyKey,
		CreatedAt:      time.UnixMilli(row.CreatedAt),
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		State:          row.State,
	}
	if !Known(a.Type) {
		a.Corrupt = fmt.Sprintf("unknown action type %q", row.Type)
		return a
	}
	if err := json.Unmarshal(row.Payload, &a.Payload); err != nil {
		a.Payload = Payload{}
		a.Corrupt = fmt.Sprintf("corrupt payload: %v", err)
	}
	return a
}
