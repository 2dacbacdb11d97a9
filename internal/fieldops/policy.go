package fieldops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/cache"
	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/metrics"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/sync/queue"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

// selector picks a typed collection out of a set of accessors, so one policy
// can run against the store or an open transaction.
type selector[T any, P models.EntityPtr[T]] func(*cache.Accessors) *cache.Collection[T, P]

// unbound resolves collection names when no store is open.
var unbound = cache.New(nil)

// mutation is one write under the façade policy: online it is sent
// directly, otherwise (or when the direct call fails transiently) its
// optimistic effect is applied and it is queued in the same transaction.
type mutation struct {
	action  queue.ActionType
	payload queue.Payload
	// queueOnly skips the direct call, e.g. when earlier edits of the same
	// record are still queued and must be replayed first.
	queueOnly bool

	direct     func(ctx context.Context) (backend.Row, error)
	confirmed  func(ctx context.Context, acc *cache.Accessors, row backend.Row) error
	optimistic func(ctx context.Context, acc *cache.Accessors) error
}

// apply runs m and reports whether it was queued. row is the server row of a
// direct call.
func (c *Client) apply(ctx context.Context, m mutation) (row backend.Row, queued bool, err error) {
	probe := &queue.Action{Type: m.action, Payload: m.payload}
	direct := c.monitor.GetStatus() && !m.queueOnly && len(probe.Dependencies()) == 0

	if direct {
		row, err = m.direct(ctx)
		kind := backend.KindOf(err)
		metrics.RecordBackend(string(probe.Spec().Op), kind.String())

		switch kind {
		case backend.KindNone:
			if c.store != nil && m.confirmed != nil {
				if cerr := c.store.InTx(ctx, func(tx db.Ops) error {
					return m.confirmed(ctx, cache.New(tx), row)
				}); cerr != nil {
					// The backend has the change; the next read refreshes the cache.
					c.logger.Error("failed to cache confirmed write", cerr, map[string]interface{}{
						"action": m.action,
					})
				}
			}
			return row, false, nil
		case backend.KindPermanent:
			return nil, false, apperrors.Wrap(apperrors.ErrSyncPermanent, fmt.Sprintf("%s rejected by backend", m.action), err)
		}

		if c.store == nil {
			return nil, false, apperrors.Wrap(apperrors.ErrStorageUnavailable, "backend unreachable and local storage unavailable", err)
		}
		c.logger.Warn("backend unreachable, queueing change", map[string]interface{}{
			"action": m.action,
			"error":  err.Error(),
		})
	}

	if c.store == nil {
		return nil, false, apperrors.New(apperrors.ErrStorageUnavailable, "offline and local storage unavailable")
	}

	err = c.store.InTx(ctx, func(tx db.Ops) error {
		if m.optimistic != nil {
			if err := m.optimistic(ctx, cache.New(tx)); err != nil {
				return err
			}
		}
		_, err := queue.New(tx).Enqueue(ctx, m.action, m.payload)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	c.kick()
	return nil, true, nil
}

// read serves the children of parentID matching filter. Online, the backend
// result refreshes the cache and the merged cache view is returned so local
// unsynced records stay visible; offline or on a transient failure the cache
// is served.
func read[T any, P models.EntityPtr[T]](ctx context.Context, c *Client, sel selector[T, P], parentID string, filter backend.Filter, match func(P) bool, expand func(context.Context, []P) error) ([]P, error) {
	name := sel(unbound).Name()

	if c.monitor.GetStatus() {
		server, err := fetch(ctx, c, name, filter, expand)
		switch {
		case err == nil:
			if c.store == nil {
				return server, nil
			}
			if err := c.store.InTx(ctx, func(tx db.Ops) error {
				return sel(cache.New(tx)).RefreshWhere(ctx, parentID, server, match)
			}); err != nil {
				return nil, err
			}
			return cached(ctx, c, sel, parentID, match)
		case backend.KindOf(err) == backend.KindPermanent:
			return nil, apperrors.Wrap(apperrors.ErrSyncPermanent, fmt.Sprintf("failed to read %s", name), err)
		case c.store == nil:
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Sprintf("failed to read %s", name), err)
		}
		c.logger.Warn("backend unreachable, serving cache", map[string]interface{}{
			"collection": name,
			"error":      err.Error(),
		})
	}

	if c.store == nil {
		return nil, apperrors.New(apperrors.ErrStorageUnavailable, "offline and local storage unavailable")
	}
	return cached(ctx, c, sel, parentID, match)
}

// readOne serves a single record by id under the read policy.
func readOne[T any, P models.EntityPtr[T]](ctx context.Context, c *Client, sel selector[T, P], id string, expand func(context.Context, []P) error) (P, error) {
	name := sel(unbound).Name()

	if c.monitor.GetStatus() && !uuid.IsTemp(id) {
		server, err := fetch(ctx, c, name, backend.Eq("id", id), expand)
		switch {
		case err == nil:
			if c.store == nil {
				if len(server) == 0 {
					return nil, notFound(name, id)
				}
				return server[0], nil
			}
			if err := c.store.InTx(ctx, func(tx db.Ops) error {
				return refreshOne(ctx, sel(cache.New(tx)), id, server)
			}); err != nil {
				return nil, err
			}
		case backend.KindOf(err) == backend.KindPermanent:
			return nil, apperrors.Wrap(apperrors.ErrSyncPermanent, fmt.Sprintf("failed to read %s %s", name, id), err)
		case c.store == nil:
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Sprintf("failed to read %s %s", name, id), err)
		}
	}

	if c.store == nil {
		return nil, apperrors.New(apperrors.ErrStorageUnavailable, "offline and local storage unavailable")
	}
	e, err := sel(c.cache).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, notFound(name, id)
	}
	return e, nil
}

// refreshOne caches a single server row, or drops the synced copy when the
// server no longer has it.
func refreshOne[T any, P models.EntityPtr[T]](ctx context.Context, coll *cache.Collection[T, P], id string, server []P) error {
	if len(server) == 0 {
		local, err := coll.Get(ctx, id)
		if err != nil || local == nil || local.SyncState() != models.SyncStatusSynced {
			return err
		}
		return coll.Delete(ctx, id)
	}
	e := server[0]
	return coll.RefreshWhere(ctx, e.ParentKey(), server, func(p P) bool { return p.RecordID() == id })
}

func fetch[T any, P models.EntityPtr[T]](ctx context.Context, c *Client, name models.Collection, filter backend.Filter, expand func(context.Context, []P) error) ([]P, error) {
	rows, err := c.backend.Select(ctx, name, filter)
	metrics.RecordBackend("select", backend.KindOf(err).String())
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(rows))
	for _, row := range rows {
		e, err := models.Decode[T, P](row)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("unexpected %s row", name), err)
		}
		out = append(out, e)
	}
	if expand != nil {
		if err := expand(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func cached[T any, P models.EntityPtr[T]](ctx context.Context, c *Client, sel selector[T, P], parentID string, match func(P) bool) ([]P, error) {
	all, err := sel(c.cache).ByParent(ctx, parentID)
	if err != nil || match == nil {
		return all, err
	}
	out := all[:0]
	for _, e := range all {
		if match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// create stores a new record. Offline it gets a temporary id and is queued.
// The returned entity is the server record or the optimistic one.
func create[T any, P models.EntityPtr[T]](ctx context.Context, c *Client, action queue.ActionType, sel selector[T, P], e P, also func(context.Context, *cache.Accessors, P) error) (P, error) {
	if err := c.check(e); err != nil {
		return nil, err
	}
	v := *e
	e = P(&v)
	e.SetRecordID("")
	fields, err := models.WireFields(e)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode record", err)
	}
	// Shared by the direct call and the queued replay, so a create that
	// reached the server before timing out is recognized on replay.
	fields["client_ref"] = uuid.NewActionKey()

	spec := queue.Specs[action]
	tmp := uuid.NewTemp()
	var local P

	row, queued, err := c.apply(ctx, mutation{
		action:  action,
		payload: queue.Payload{RecordID: tmp, ParentID: e.ParentKey(), Record: fields},
		direct: func(ctx context.Context) (backend.Row, error) {
			return c.backend.Insert(ctx, spec.Collection, fields)
		},
		confirmed: func(ctx context.Context, acc *cache.Accessors, row backend.Row) error {
			created, err := models.Decode[T, P](row)
			if err != nil {
				return err
			}
			if err := sel(acc).Put(ctx, created); err != nil {
				return err
			}
			if also != nil {
				return also(ctx, acc, created)
			}
			return nil
		},
		optimistic: func(ctx context.Context, acc *cache.Accessors) error {
			withID := make(map[string]any, len(fields)+1)
			for k, v := range fields {
				withID[k] = v
			}
			withID["id"] = tmp
			var err error
			if local, err = models.Decode[T, P](withID); err != nil {
				return err
			}
			local.SetSyncState(models.SyncStatusPending)
			if err := sel(acc).Put(ctx, local); err != nil {
				return err
			}
			if also != nil {
				return also(ctx, acc, local)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if queued {
		return local, nil
	}
	return models.Decode[T, P](row)
}

// patch changes fields of an existing record.
func patch[T any, P models.EntityPtr[T]](ctx context.Context, c *Client, action queue.ActionType, sel selector[T, P], id string, fields map[string]any) (P, error) {
	spec := queue.Specs[action]
	busy, err := c.hasLocalEdits(ctx, spec.Local, id)
	if err != nil {
		return nil, err
	}

	var local P
	row, queued, err := c.apply(ctx, mutation{
		action:    action,
		payload:   queue.Payload{RecordID: id, Patch: fields},
		queueOnly: busy,
		direct: func(ctx context.Context) (backend.Row, error) {
			return c.backend.Update(ctx, spec.Collection, id, fields)
		},
		confirmed: func(ctx context.Context, acc *cache.Accessors, row backend.Row) error {
			return acc.Merge(ctx, spec.Local, id, row, models.SyncStatusSynced)
		},
		optimistic: func(ctx context.Context, acc *cache.Accessors) error {
			var err error
			local, err = sel(acc).UpdateFields(ctx, id, fields, models.SyncStatusPending)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if queued {
		return local, nil
	}
	if c.cache != nil {
		if e, err := sel(c.cache).Get(ctx, id); err == nil && e != nil {
			return e, nil
		}
	}
	return models.Decode[T, P](row)
}

// remove deletes a record. A record that only exists locally is dropped
// together with its queued changes.
func remove[T any, P models.EntityPtr[T]](ctx context.Context, c *Client, action queue.ActionType, sel selector[T, P], id string) error {
	spec := queue.Specs[action]

	if uuid.IsTemp(id) {
		if c.store == nil {
			return notFound(spec.Local, id)
		}
		return c.store.InTx(ctx, func(tx db.Ops) error {
			if err := dropQueued(ctx, queue.New(tx), id); err != nil {
				return err
			}
			return sel(cache.New(tx)).Delete(ctx, id)
		})
	}

	busy, err := c.hasLocalEdits(ctx, spec.Local, id)
	if err != nil {
		return err
	}
	var parent string
	if c.cache != nil {
		if e, err := sel(c.cache).Get(ctx, id); err == nil && e != nil {
			parent = e.ParentKey()
		}
	}

	_, _, err = c.apply(ctx, mutation{
		action:    action,
		payload:   queue.Payload{RecordID: id, ParentID: parent},
		queueOnly: busy,
		direct: func(ctx context.Context) (backend.Row, error) {
			return nil, c.backend.Delete(ctx, spec.Collection, id)
		},
		confirmed: func(ctx context.Context, acc *cache.Accessors, _ backend.Row) error {
			return acc.Delete(ctx, spec.Local, id)
		},
		optimistic: func(ctx context.Context, acc *cache.Accessors) error {
			return sel(acc).Delete(ctx, id)
		},
	})
	return err
}

// dropQueued removes every queued change that creates or mentions id.
func dropQueued(ctx context.Context, q *queue.Queue, id string) error {
	actions, err := q.List(ctx)
	if err != nil {
		return err
	}
	for _, a := range actions {
		mentions := a.Produces() == id || a.Payload.RecordID == id
		for _, dep := range a.Dependencies() {
			mentions = mentions || dep == id
		}
		if !mentions {
			continue
		}
		if err := q.Remove(ctx, a.ID); err != nil {
			return err
		}
	}
	return nil
}

// hasLocalEdits reports whether the cached record has changes not yet
// confirmed. New writes to it are queued behind them.
func (c *Client) hasLocalEdits(ctx context.Context, coll models.Collection, id string) (bool, error) {
	if c.cache == nil {
		return false, nil
	}
	status, ok, err := c.cache.Status(ctx, coll, id)
	if err != nil {
		return false, err
	}
	return ok && status != models.SyncStatusSynced, nil
}

// check validates a façade input.
func (c *Client) check(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid input", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Namespace(), fe.Tag()))
	}
	return apperrors.Wrap(apperrors.ErrValidation, strings.Join(msgs, "; "), err)
}

func notFound(c models.Collection, id string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", c, id))
}
