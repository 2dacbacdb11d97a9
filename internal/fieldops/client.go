// Package fieldops is the domain façade of the offline core. Every UI-facing
// operation goes through Client, which decides per call whether to talk to the
// backend, serve the cache, or apply the change optimistically and queue it.
package fieldops

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/cache"
	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/models"
	syncpkg "github.com/kimhsiao/fieldops/internal/sync"
	"github.com/kimhsiao/fieldops/internal/sync/conflict"
	"github.com/kimhsiao/fieldops/internal/sync/queue"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

// Store is the durable local store.
type Store interface {
	db.Ops
	InTx(ctx context.Context, fn func(db.Ops) error) error
}

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	GetStatus() bool
}

// Deps are the handles the façade is built from. Store may be nil when
// durable storage could not be opened; the client then works online only.
type Deps struct {
	Store    Store
	Backend  backend.Backend
	Uploader backend.Uploader
	Monitor  Connectivity
	Engine   syncpkg.SyncEngineInterface
}

// Client is the domain façade.
type Client struct {
	store    Store
	cache    *cache.Accessors
	queue    *queue.Queue
	backend  backend.Backend
	uploader backend.Uploader
	monitor  Connectivity
	engine   syncpkg.SyncEngineInterface
	validate *validator.Validate
	logger   *logging.Logger
}

// New builds a client. Backend and Monitor are required.
func New(deps Deps) (*Client, error) {
	if deps.Backend == nil || deps.Monitor == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "backend and connectivity monitor are required")
	}
	c := &Client{
		store:    deps.Store,
		backend:  deps.Backend,
		uploader: deps.Uploader,
		monitor:  deps.Monitor,
		engine:   deps.Engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.Get().Named("fieldops"),
	}
	if deps.Store != nil {
		c.cache = cache.New(deps.Store)
		c.queue = queue.New(deps.Store)
	} else {
		c.logger.Warn("local storage unavailable, running online only")
	}
	return c, nil
}

// Online reports whether the backend is currently considered reachable.
func (c *Client) Online() bool {
	return c.monitor.GetStatus()
}

// StorageAvailable reports whether offline features are enabled.
func (c *Client) StorageAvailable() bool {
	return c.store != nil
}

// PendingCount returns the number of queued changes.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	if c.queue == nil {
		return 0, nil
	}
	return c.queue.Count(ctx)
}

// QueueStats returns per-state queue counts, so waiting entries can be told
// apart from failed and blocked ones.
func (c *Client) QueueStats(ctx context.Context) (queue.Stats, error) {
	if c.queue == nil {
		return queue.Stats{}, nil
	}
	return c.queue.Stats(ctx)
}

// PendingActions lists the queue in replay order.
func (c *Client) PendingActions(ctx context.Context) ([]*queue.Action, error) {
	if c.queue == nil {
		return nil, nil
	}
	return c.queue.List(ctx)
}

// SyncNow runs one sync pass and waits for it.
func (c *Client) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if c.engine == nil {
		return nil, apperrors.New(apperrors.ErrStorageUnavailable, "sync is not available without local storage")
	}
	return c.engine.Sync(ctx)
}

// RetryFailed resets failed and blocked entries and triggers a pass.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	if c.queue == nil {
		return 0, nil
	}
	n, err := c.queue.RetryFailed(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		c.kick()
	}
	return n, nil
}

// DiscardAction drops one queued change on explicit user decision. When no
// other queued change targets the same record, the optimistic copy is let go:
// a record that only exists locally is deleted, and a server record is marked
// synced so the next online read replaces it.
func (c *Client) DiscardAction(ctx context.Context, id int64) error {
	if c.store == nil {
		return apperrors.New(apperrors.ErrStorageUnavailable, "local storage unavailable")
	}
	return c.store.InTx(ctx, func(tx db.Ops) error {
		q := queue.New(tx)
		a, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %d not found", id))
		}
		if err := q.Discard(ctx, id); err != nil {
			return err
		}
		return releaseLocal(ctx, q, cache.New(tx), a)
	})
}

// releaseLocal settles the optimistic record of a discarded action.
func releaseLocal(ctx context.Context, q *queue.Queue, acc *cache.Accessors, discarded *queue.Action) error {
	if discarded.Corrupt != "" {
		return nil
	}
	coll, id := discarded.LocalRecord()
	if id == "" {
		return nil
	}
	remaining, err := q.List(ctx)
	if err != nil {
		return err
	}
	for _, a := range remaining {
		if a.Corrupt != "" {
			continue
		}
		if c, rid := a.LocalRecord(); c == coll && rid == id {
			return nil
		}
	}
	if uuid.IsTemp(id) {
		return acc.Delete(ctx, coll, id)
	}
	return acc.SetStatus(ctx, coll, id, models.SyncStatusSynced)
}

// Conflicts lists remote changes that collided with local edits.
func (c *Client) Conflicts(ctx context.Context) ([]models.ConflictLog, error) {
	if c.cache == nil {
		return nil, nil
	}
	return conflict.Conflicts(ctx, c.cache)
}

// DismissConflict clears a logged conflict; the local edits stay queued.
func (c *Client) DismissConflict(ctx context.Context, coll models.Collection, id string) error {
	if c.store == nil {
		return apperrors.New(apperrors.ErrStorageUnavailable, "local storage unavailable")
	}
	return c.store.InTx(ctx, func(tx db.Ops) error {
		return conflict.Dismiss(ctx, cache.New(tx), coll, id)
	})
}

// kick asks the engine for a pass when one could make progress.
func (c *Client) kick() {
	if c.engine != nil && c.monitor.GetStatus() {
		c.engine.Trigger()
	}
}
