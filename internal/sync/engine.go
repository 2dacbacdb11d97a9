package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/cache"
	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/metrics"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/sync/queue"
	"github.com/kimhsiao/fieldops/internal/tracing"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// ErrOffline is returned by Sync when the backend is unreachable. No backend
// call is made.
var ErrOffline = apperrors.New(apperrors.ErrSyncOffline, "backend unreachable, sync deferred")

// Store is the durable store the engine drains.
type Store interface {
	db.Ops
	InTx(ctx context.Context, fn func(db.Ops) error) error
}

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	GetStatus() bool
}

// Config holds engine settings.
type Config struct {
	PassTimeout  time.Duration // timeout of background passes (default: 5 minutes)
	ErrorHistory int           // failed replays kept for inspection (default: 50)
}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Confirmed int           `json:"confirmed"`
	Failed    int           `json:"failed"`
	Blocked   int           `json:"blocked"`
	Deferred  int           `json:"deferred"`
	Halted    bool          `json:"halted"`
	Remaining int           `json:"remaining"`
	Error     string        `json:"error,omitempty"`
}

// Engine drains the pending-action queue. At most one pass runs at a time.
type Engine struct {
	store   Store
	backend backend.Backend
	online  Connectivity
	config  Config
	logger  *logging.Logger

	passMu sync.Mutex

	mu       sync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	handler  SyncEventHandler
	history  []ActionError

	trigMu  sync.Mutex
	running bool
	rerun   bool
	idle    chan struct{}
}

// NewSyncEngine creates a new Engine.
func NewSyncEngine(store Store, be backend.Backend, online Connectivity, config Config) *Engine {
	if config.PassTimeout <= 0 {
		config.PassTimeout = 5 * time.Minute
	}
	if config.ErrorHistory <= 0 {
		config.ErrorHistory = 50
	}
	idle := make(chan struct{})
	close(idle)
	return &Engine{
		store:   store,
		backend: be,
		online:  online,
		config:  config,
		logger:  logging.Get().Named("sync"),
		status:  SyncStatusIdle,
		idle:    idle,
	}
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last pass that drained the queue.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// PendingChanges returns the number of queued actions.
func (e *Engine) PendingChanges() int {
	n, err := queue.New(e.store).Count(context.Background())
	if err != nil {
		e.logger.Error("failed to count queue", err)
		return 0
	}
	return n
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// GetErrorHistory returns recent replay failures, oldest first.
func (e *Engine) GetErrorHistory() []ActionError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ActionError, len(e.history))
	copy(out, e.history)
	return out
}

// Trigger starts a background pass. While a pass runs, further triggers are
// coalesced into one rerun after it completes.
func (e *Engine) Trigger() {
	e.trigMu.Lock()
	defer e.trigMu.Unlock()
	if e.running {
		e.rerun = true
		return
	}
	e.running = true
	e.idle = make(chan struct{})
	go e.drain(e.idle)
}

// Wait blocks until no triggered pass is running or scheduled.
func (e *Engine) Wait() {
	e.trigMu.Lock()
	idle := e.idle
	e.trigMu.Unlock()
	<-idle
}

func (e *Engine) drain(idle chan struct{}) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.PassTimeout)
		if _, err := e.Sync(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncOffline) {
			e.logger.Warn("triggered sync ended with error", map[string]interface{}{"error": err.Error()})
		}
		cancel()

		e.trigMu.Lock()
		if !e.rerun {
			e.running = false
			close(idle)
			e.trigMu.Unlock()
			return
		}
		e.rerun = false
		e.trigMu.Unlock()
	}
}

// Sync performs one drain pass. It waits for a pass already in progress.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	result := &SyncResult{StartTime: time.Now()}

	if !e.online.GetStatus() {
		result.EndTime = result.StartTime
		result.Error = ErrOffline.Error()
		e.setDone(SyncStatusIdle, ErrOffline, false)
		metrics.RecordPass("offline", 0)
		return result, ErrOffline
	}

	ctx, span := tracing.StartSpan(ctx, "sync.pass")
	defer span.End()

	e.setStatus(SyncStatusSyncing)
	err := e.pass(ctx, result)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	e.recordQueue(ctx, result)
	span.SetAttributes(
		attribute.Int("sync.attempted", result.Attempted),
		attribute.Int("sync.confirmed", result.Confirmed),
		attribute.Int("sync.failed", result.Failed),
		attribute.Int("sync.blocked", result.Blocked),
		attribute.Bool("sync.halted", result.Halted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch {
	case err != nil:
		result.Error = err.Error()
		e.setDone(SyncStatusFailed, err, false)
		metrics.RecordPass("error", result.Duration.Seconds())
		e.logger.ErrorWithCode("sync pass failed", err, map[string]interface{}{"confirmed": result.Confirmed})
		return result, err
	case result.Halted:
		e.setDone(SyncStatusIdle, apperrors.New(apperrors.ErrSyncTransient, result.Error), false)
		metrics.RecordPass("halted", result.Duration.Seconds())
	default:
		e.setDone(SyncStatusIdle, nil, result.Remaining == 0)
		metrics.RecordPass("completed", result.Duration.Seconds())
		e.emit(EventSyncCompleted, map[string]interface{}{
			"confirmed":   result.Confirmed,
			"failed":      result.Failed,
			"blocked":     result.Blocked,
			"remaining":   result.Remaining,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}

	e.logger.Info("sync pass finished", map[string]interface{}{
		"attempted": result.Attempted,
		"confirmed": result.Confirmed,
		"failed":    result.Failed,
		"blocked":   result.Blocked,
		"halted":    result.Halted,
		"remaining": result.Remaining,
	})
	return result, nil
}

// pass walks the queue in order. Transient failures stop the pass; permanent
// ones are isolated unless later entries depend on the id they should have
// produced.
func (e *Engine) pass(ctx context.Context, result *SyncResult) error {
	q := queue.New(e.store)
	actions, err := q.List(ctx)
	if err != nil {
		return err
	}

	e.emit(EventSyncStarted, map[string]interface{}{"pending": len(actions)})

	resolved := make(map[string]string)
	blocked := make(map[string]string)

	// Creates that failed in earlier passes keep blocking their dependents
	// until they are retried or discarded.
	for _, a := range actions {
		if a.State == models.ActionStateFailed {
			if tmp := a.Produces(); tmp != "" {
				blocked[tmp] = fmt.Sprintf("create %d failed: %s", a.ID, a.LastError)
			}
		}
	}

	for i, a := range actions {
		if a.State == models.ActionStateFailed {
			continue
		}
		if a.Corrupt != "" {
			if err := e.fail(ctx, q, a, apperrors.New(apperrors.ErrQueueFailed, a.Corrupt), blocked, result); err != nil {
				return err
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			e.halt(result, a, err)
			return nil
		}
		if !e.online.GetStatus() {
			e.halt(result, a, ErrOffline)
			return nil
		}

		if reason := unresolved(a, resolved, blocked); reason != "" {
			if err := e.block(ctx, q, a, reason, blocked, result); err != nil {
				return err
			}
			continue
		}

		payload, err := a.Payload.Resolve(resolved)
		if err != nil {
			e.fail(ctx, q, a, backend.Permanent("resolve", string(a.Payload.Collection), 0, "", err.Error()), blocked, result)
			continue
		}

		result.Attempted++
		row, err := e.replay(ctx, a, payload)

		switch kind := backend.KindOf(err); kind {
		case backend.KindNone:
			serverID, err := e.confirm(ctx, a, payload, row)
			if err != nil {
				return err
			}
			if tmp := a.Produces(); tmp != "" {
				resolved[tmp] = serverID
			}
			result.Confirmed++
			metrics.RecordReplay(string(a.Type), "confirmed")
			e.emit(EventSyncProgress, map[string]interface{}{
				"action_id": a.ID,
				"type":      a.Type,
				"completed": i + 1,
				"total":     len(actions),
			})

		case backend.KindTransient:
			if _, merr := q.MarkFailed(ctx, a.ID, err, false); merr != nil {
				return merr
			}
			e.record(a, kind, err)
			metrics.RecordReplay(string(a.Type), "deferred")
			result.Deferred++
			e.halt(result, a, err)
			return nil

		case backend.KindPermanent:
			if err := e.fail(ctx, q, a, err, blocked, result); err != nil {
				return err
			}

		default:
			return apperrors.New(apperrors.ErrInternal, fmt.Sprintf("unclassified backend result %v", kind))
		}
	}
	return nil
}

// unresolved returns why a cannot be sent yet, or "".
func unresolved(a *queue.Action, resolved, blocked map[string]string) string {
	for _, dep := range a.Dependencies() {
		if _, ok := resolved[dep]; ok {
			continue
		}
		if reason, ok := blocked[dep]; ok {
			return fmt.Sprintf("depends on %s: %s", dep, reason)
		}
		return fmt.Sprintf("depends on %s, which has no pending create", dep)
	}
	return ""
}

// replay sends one action. A panic is reported as a permanent failure so one
// bad entry cannot crash the pass.
func (e *Engine) replay(ctx context.Context, a *queue.Action, p queue.Payload) (row backend.Row, err error) {
	coll := p.Collection
	defer func() {
		if r := recover(); r != nil {
			row = nil
			err = backend.Permanent("replay", string(coll), 0, "", fmt.Sprintf("panic: %v", r))
		}
	}()

	spec := a.Spec()
	ctx, span := tracing.StartSpan(ctx, "sync.replay",
		attribute.String("action.type", string(a.Type)),
		attribute.Int64("action.id", a.ID),
	)
	defer span.End()

	switch spec.Op {
	case queue.OpInsert:
		row, err = e.backend.Insert(ctx, coll, p.Record)
		if backend.IsConflict(err) {
			// A replayed create the server already has: adopt the stored row.
			ref, _ := p.Record["client_ref"].(string)
			if ref == "" {
				ref = a.IdempotencyKey
			}
			rows, serr := e.backend.Select(ctx, coll, backend.Eq("client_ref", ref))
			if serr != nil {
				return nil, serr
			}
			if len(rows) > 0 {
				e.logger.Info("create already applied, adopting existing row", map[string]interface{}{
					"action_id":  a.ID,
					"client_ref": ref,
				})
				return rows[0], nil
			}
		}
	case queue.OpUpdate:
		row, err = e.backend.Update(ctx, coll, p.RecordID, p.Patch)
	case queue.OpDelete:
		err = e.backend.Delete(ctx, coll, p.RecordID)
	default:
		err = backend.Permanent("replay", string(coll), 0, "", fmt.Sprintf("unknown action type %q", a.Type))
	}
	metrics.RecordBackend(string(spec.Op), backend.KindOf(err).String())
	return row, err
}

// confirm applies a successful replay in one transaction: migrate the
// temporary id, rewrite later queue entries, update the cached record and
// remove the entry. It returns the server id of the affected record.
func (e *Engine) confirm(ctx context.Context, a *queue.Action, p queue.Payload, row backend.Row) (string, error) {
	spec := a.Spec()
	serverID := p.RecordID
	if spec.Op == queue.OpInsert {
		if id, _ := row["id"].(string); id != "" {
			serverID = id
		}
	}

	err := e.store.InTx(ctx, func(tx db.Ops) error {
		acc := cache.New(tx)
		tq := queue.New(tx)

		tmp := a.Produces()
		if tmp != "" {
			if _, err := tq.RewriteReferences(ctx, tmp, serverID); err != nil {
				return err
			}
		}
		if err := tq.Remove(ctx, a.ID); err != nil {
			return err
		}

		sent := *a
		sent.Payload = p
		localColl, localID := sent.LocalRecord()
		if tmp != "" && localID == tmp {
			localID = serverID
		}
		busy, err := referenced(ctx, tq, localColl, localID)
		if err != nil {
			return err
		}

		status := models.SyncStatusSynced
		if busy {
			status = models.SyncStatusPending
		}
		fields := localFields(row)
		if busy || spec.Nested() {
			fields = nil
		}

		switch {
		case tmp != "":
			if err := acc.MigrateID(ctx, spec.Collection, tmp, serverID, fields, status); err != nil {
				return err
			}
			if spec.Nested() && !busy {
				return acc.SetStatus(ctx, localColl, localID, status)
			}
			return nil
		case spec.Op == queue.OpDelete:
			return acc.Delete(ctx, localColl, localID)
		default:
			return acc.Merge(ctx, localColl, localID, fields, status)
		}
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to confirm action %d", a.ID), err)
	}
	return serverID, nil
}

// referenced reports whether any queued entry still targets the record.
func referenced(ctx context.Context, q *queue.Queue, c models.Collection, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	rest, err := q.List(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range rest {
		oc, oid := other.LocalRecord()
		if oc == c && oid == id {
			return true, nil
		}
	}
	return false, nil
}

// localFields copies a server row without the local-only status key.
func localFields(row backend.Row) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		if k == "_syncStatus" {
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Engine) fail(ctx context.Context, q *queue.Queue, a *queue.Action, cause error, blocked map[string]string, result *SyncResult) error {
	if _, err := q.MarkFailed(ctx, a.ID, cause, true); err != nil {
		return err
	}
	if tmp := a.Produces(); tmp != "" {
		blocked[tmp] = fmt.Sprintf("create %d failed: %s", a.ID, cause.Error())
	}
	result.Failed++
	e.record(a, backend.KindPermanent, cause)
	metrics.RecordReplay(string(a.Type), "failed")
	e.emit(EventSyncActionFailed, map[string]interface{}{
		"action_id": a.ID,
		"type":      a.Type,
		"kind":      backend.KindPermanent.String(),
		"error":     cause.Error(),
	})
	return nil
}

func (e *Engine) block(ctx context.Context, q *queue.Queue, a *queue.Action, reason string, blocked map[string]string, result *SyncResult) error {
	cause := apperrors.New(apperrors.ErrDependencyBlocked, reason)
	if _, err := q.MarkBlocked(ctx, a.ID, cause.Error()); err != nil {
		return err
	}
	if tmp := a.Produces(); tmp != "" {
		blocked[tmp] = fmt.Sprintf("create %d blocked", a.ID)
	}
	result.Blocked++
	metrics.RecordReplay(string(a.Type), "blocked")
	e.emit(EventSyncActionFailed, map[string]interface{}{
		"action_id": a.ID,
		"type":      a.Type,
		"kind":      "blocked",
		"error":     cause.Error(),
	})
	return nil
}

func (e *Engine) halt(result *SyncResult, a *queue.Action, cause error) {
	result.Halted = true
	result.Error = cause.Error()
	e.logger.Warn("sync pass halted", map[string]interface{}{
		"action_id": a.ID,
		"type":      a.Type,
		"error":     cause.Error(),
	})
	e.emit(EventSyncHalted, map[string]interface{}{
		"action_id": a.ID,
		"type":      a.Type,
		"error":     cause.Error(),
	})
}

func (e *Engine) record(a *queue.Action, kind backend.Kind, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, ActionError{
		ActionID: a.ID,
		Type:     string(a.Type),
		Kind:     kind.String(),
		Message:  cause.Error(),
		At:       time.Now(),
	})
	if over := len(e.history) - e.config.ErrorHistory; over > 0 {
		e.history = e.history[over:]
	}
}

func (e *Engine) recordQueue(ctx context.Context, result *SyncResult) {
	stats, err := queue.New(e.store).Stats(ctx)
	if err != nil {
		e.logger.Error("failed to read queue stats", err)
		return
	}
	result.Remaining = stats.Total
	metrics.RecordQueue(stats.Pending, stats.Failed, stats.Blocked)
}

func (e *Engine) setStatus(s SyncStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) setDone(s SyncStatus, err error, drained bool) {
	e.mu.Lock()
	e.status = s
	e.lastErr = err
	if drained {
		now := time.Now()
		e.lastSync = &now
	}
	e.mu.Unlock()
}

func (e *Engine) emit(eventType string, data map[string]interface{}) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync event handler panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"event": eventType})
		}
	}()
	h(SyncEvent{Type: eventType, Data: data, Timestamp: time.Now()})
}

// Describe summarizes a result for logs and the CLI.
func (r *SyncResult) Describe() string {
	parts := []string{
		fmt.Sprintf("confirmed=%d", r.Confirmed),
		fmt.Sprintf("failed=%d", r.Failed),
		fmt.Sprintf("blocked=%d", r.Blocked),
		fmt.Sprintf("remaining=%d", r.Remaining),
	}
	if r.Halted {
		parts = append(parts, "halted")
	}
	return strings.Join(parts, " ")
}
