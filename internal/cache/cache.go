// Package cache provides typed accessors over the durable local store.
// Accessors never touch the network; every call is a local transaction.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/models"
)

// Collection is a typed view of one record collection.
type Collection[T any, P models.EntityPtr[T]] struct {
	ops  db.Ops
	name models.Collection
}

// NewCollection binds a typed view to a collection over ops.
func NewCollection[T any, P models.EntityPtr[T]](ops db.Ops, name models.Collection) *Collection[T, P] {
	return &Collection[T, P]{ops: ops, name: name}
}

// Name returns the collection name.
func (c *Collection[T, P]) Name() models.Collection {
	return c.name
}

// Put upserts one or more entities. A single entity is one write; several are
// stored all-or-nothing.
func (c *Collection[T, P]) Put(ctx context.Context, entities ...P) error {
	records := make([]models.Record, 0, len(entities))
	for _, e := range entities {
		r, err := models.ToRecord(e)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode entity", err)
		}
		records = append(records, r)
	}
	if len(records) == 1 {
		_, err := c.ops.Put(ctx, c.name, records[0])
		return err
	}
	return c.ops.PutAll(ctx, c.name, records)
}

// Get returns the entity with id, or nil when it is not cached.
func (c *Collection[T, P]) Get(ctx context.Context, id string) (P, error) {
	r, err := c.ops.Get(ctx, c.name, id)
	if err != nil || r == nil {
		return nil, err
	}
	return models.FromRecord[T, P](*r)
}

// ByParent returns every cached entity whose parent id is parentID.
func (c *Collection[T, P]) ByParent(ctx context.Context, parentID string) ([]P, error) {
	records, err := c.ops.GetByIndex(ctx, c.name, db.IndexParent, parentID)
	if err != nil {
		return nil, err
	}
	return decodeAll[T, P](records)
}

// All returns every cached entity.
func (c *Collection[T, P]) All(ctx context.Context) ([]P, error) {
	records, err := c.ops.GetAll(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return decodeAll[T, P](records)
}

// WithStatus returns entities in the given sync status.
func (c *Collection[T, P]) WithStatus(ctx context.Context, status models.SyncStatus) ([]P, error) {
	records, err := c.ops.GetByIndex(ctx, c.name, db.IndexSyncStatus, string(status))
	if err != nil {
		return nil, err
	}
	return decodeAll[T, P](records)
}

// UpdateField patches one top-level JSON field of a cached entity without
// requiring the full record, and sets its sync status. Returns NOT_FOUND when
// the entity is not cached.
func (c *Collection[T, P]) UpdateField(ctx context.Context, id, field string, value any, status models.SyncStatus) (P, error) {
	return c.UpdateFields(ctx, id, map[string]any{field: value}, status)
}

// UpdateFields patches several top-level JSON fields at once.
func (c *Collection[T, P]) UpdateFields(ctx context.Context, id string, patch map[string]any, status models.SyncStatus) (P, error) {
	r, err := c.ops.Get(ctx, c.name, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s is not cached", c.name, id))
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(r.Data, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "cached record is not an object", err)
	}
	for k, v := range patch {
		if k == "id" {
			return nil, apperrors.New(apperrors.ErrInvalid, "id cannot be patched")
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to encode field %s", k), err)
		}
		fields[k] = raw
	}
	if status != "" {
		r.SyncStatus = status
		fields["_syncStatus"], _ = json.Marshal(status)
	}
	if pf := c.name.ParentField(); pf != "" {
		if raw, ok := fields[pf]; ok {
			var parent string
			if json.Unmarshal(raw, &parent) == nil {
				r.ParentID = parent
			}
		}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode patched record", err)
	}
	r.Data = data
	r.UpdatedAt = 0

	stored, err := c.ops.Put(ctx, c.name, *r)
	if err != nil {
		return nil, err
	}
	return models.FromRecord[T, P](stored)
}

// SetStatus changes only the sync status of a cached entity.
func (c *Collection[T, P]) SetStatus(ctx context.Context, id string, status models.SyncStatus) error {
	_, err := c.UpdateFields(ctx, id, nil, status)
	return err
}

// Delete removes an entity from the cache.
func (c *Collection[T, P]) Delete(ctx context.Context, id string) error {
	return c.ops.Delete(ctx, c.name, id)
}

// Refresh reconciles the cached children of parentID with an authoritative
// server result. Server rows replace synced copies, local pending and
// conflict rows are kept, and synced rows the server no longer returns are
// dropped. An empty parentID reconciles the whole collection.
func (c *Collection[T, P]) Refresh(ctx context.Context, parentID string, server []P) error {
	return c.RefreshWhere(ctx, parentID, server, nil)
}

// RefreshWhere is Refresh for a server result that only covers the children
// of parentID matching scope. Cached rows outside scope are left alone.
func (c *Collection[T, P]) RefreshWhere(ctx context.Context, parentID string, server []P, scope func(P) bool) error {
	var (
		existing []models.Record
		err      error
	)
	if parentID == "" {
		existing, err = c.ops.GetAll(ctx, c.name)
	} else {
		existing, err = c.ops.GetByIndex(ctx, c.name, db.IndexParent, parentID)
	}
	if err != nil {
		return err
	}

	local := make(map[string]models.SyncStatus, len(existing))
	inScope := make(map[string]bool, len(existing))
	for _, r := range existing {
		local[r.ID] = r.SyncStatus
		if scope != nil {
			e, err := models.FromRecord[T, P](r)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to decode cached record", err)
			}
			if !scope(e) {
				continue
			}
		}
		inScope[r.ID] = true
	}

	seen := make(map[string]bool, len(server))
	for _, e := range server {
		id := e.RecordID()
		seen[id] = true
		if st, ok := local[id]; ok && st != models.SyncStatusSynced {
			continue
		}
		e.SetSyncState(models.SyncStatusSynced)
		r, err := models.ToRecord(e)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode entity", err)
		}
		if _, err := c.ops.Put(ctx, c.name, r); err != nil {
			return err
		}
	}

	for id, st := range local {
		if st == models.SyncStatusSynced && inScope[id] && !seen[id] {
			if err := c.ops.Delete(ctx, c.name, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeAll[T any, P models.EntityPtr[T]](records []models.Record) ([]P, error) {
	out := make([]P, 0, len(records))
	for _, r := range records {
		e, err := models.FromRecord[T, P](r)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to decode cached record", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// rewriteID replaces every occurrence of oldID in a record and re-keys it when
// its own id matches. It reports whether anything changed.
func rewriteID(r *models.Record, oldID, newID string) bool {
	changed := false
	if r.ID == oldID {
		r.ID = newID
		changed = true
	}
	if r.ParentID == oldID {
		r.ParentID = newID
		changed = true
	}
	if strings.Contains(string(r.Data), oldID) {
		r.Data = []byte(strings.ReplaceAll(string(r.Data), oldID, newID))
		changed = true
	}
	return changed
}
