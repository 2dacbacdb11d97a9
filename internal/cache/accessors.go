package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/models"
)

// Accessors bundles a typed collection per entity plus the blob cache, all
// bound to the same db.Ops (the store or an open transaction).
type Accessors struct {
	ops db.Ops

	Projects      *Collection[models.Project, *models.Project]
	Areas         *Collection[models.Area, *models.Area]
	CrewCheckins  *Collection[models.CrewCheckin, *models.CrewCheckin]
	TMTickets     *Collection[models.TMTicket, *models.TMTicket]
	DailyReports  *Collection[models.DailyReport, *models.DailyReport]
	Messages      *Collection[models.Message, *models.Message]
	DisposalLoads *Collection[models.DisposalLoad, *models.DisposalLoad]
	InjuryReports *Collection[models.InjuryReport, *models.InjuryReport]

	Blobs *Blobs
}

// New binds accessors to ops.
func New(ops db.Ops) *Accessors {
	return &Accessors{
		ops:           ops,
		Projects:      NewCollection[models.Project](ops, models.CollectionProjects),
		Areas:         NewCollection[models.Area](ops, models.CollectionAreas),
		CrewCheckins:  NewCollection[models.CrewCheckin](ops, models.CollectionCrewCheckins),
		TMTickets:     NewCollection[models.TMTicket](ops, models.CollectionTMTickets),
		DailyReports:  NewCollection[models.DailyReport](ops, models.CollectionDailyReports),
		Messages:      NewCollection[models.Message](ops, models.CollectionMessages),
		DisposalLoads: NewCollection[models.DisposalLoad](ops, models.CollectionDisposalLoads),
		InjuryReports: NewCollection[models.InjuryReport](ops, models.CollectionInjuryReports),
		Blobs:         &Blobs{ops: ops},
	}
}

// Status returns the sync status of a cached record and whether it exists.
func (a *Accessors) Status(ctx context.Context, c models.Collection, id string) (models.SyncStatus, bool, error) {
	if !c.IsLocal() {
		return "", false, nil
	}
	r, err := a.ops.Get(ctx, c, id)
	if err != nil || r == nil {
		return "", false, err
	}
	return r.SyncStatus, true, nil
}

// Fields returns a cached record of c as a field map, with the stored status
// under "_syncStatus".
func (a *Accessors) Fields(ctx context.Context, c models.Collection, id string) (map[string]any, bool, error) {
	if !c.IsLocal() {
		return nil, false, nil
	}
	r, err := a.ops.Get(ctx, c, id)
	if err != nil || r == nil {
		return nil, false, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(r.Data, &fields); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "cached record is not an object", err)
	}
	fields["_syncStatus"] = string(r.SyncStatus)
	return fields, true, nil
}

// SetStatus changes the sync status of a cached record, if present.
func (a *Accessors) SetStatus(ctx context.Context, c models.Collection, id string, status models.SyncStatus) error {
	return a.Merge(ctx, c, id, nil, status)
}

// Merge overlays fields onto a cached record and sets its status. Fields the
// record does not have are added; a missing record is ignored.
func (a *Accessors) Merge(ctx context.Context, c models.Collection, id string, fields map[string]any, status models.SyncStatus) error {
	if !c.IsLocal() {
		return nil
	}
	r, err := a.ops.Get(ctx, c, id)
	if err != nil || r == nil {
		return err
	}
	if err := overlay(r, fields, status, c); err != nil {
		return err
	}
	r.UpdatedAt = 0
	_, err = a.ops.Put(ctx, c, *r)
	return err
}

// PutRaw stores a server field map as a record of c.
func (a *Accessors) PutRaw(ctx context.Context, c models.Collection, fields map[string]any, status models.SyncStatus) error {
	id, _ := fields["id"].(string)
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "record has no id")
	}
	r := &models.Record{ID: id, Data: []byte("{}")}
	if err := overlay(r, fields, status, c); err != nil {
		return err
	}
	_, err := a.ops.Put(ctx, c, *r)
	return err
}

// Delete removes a cached record by collection name.
func (a *Accessors) Delete(ctx context.Context, c models.Collection, id string) error {
	if !c.IsLocal() {
		return nil
	}
	return a.ops.Delete(ctx, c, id)
}

// MigrateID replaces a temporary identifier with its server identifier
// everywhere in the local store. The record keyed by tempID in c (if any) is
// re-keyed, overlaid with serverFields and given status. Every other record
// and blob that mentions tempID, as parent id or anywhere in its data, is
// rewritten to serverID. Callers run it inside a transaction.
func (a *Accessors) MigrateID(ctx context.Context, c models.Collection, tempID, serverID string, serverFields map[string]any, status models.SyncStatus) error {
	if tempID == "" || serverID == "" || tempID == serverID {
		return nil
	}

	if c.IsLocal() {
		r, err := a.ops.Get(ctx, c, tempID)
		if err != nil {
			return err
		}
		if r != nil {
			if err := a.ops.Delete(ctx, c, tempID); err != nil {
				return err
			}
			rewriteID(r, tempID, serverID)
			if err := overlay(r, serverFields, status, c); err != nil {
				return err
			}
			r.UpdatedAt = 0
			if _, err := a.ops.Put(ctx, c, *r); err != nil {
				return err
			}
		}
	}

	for _, coll := range models.LocalCollections {
		refs, err := a.ops.Search(ctx, coll, tempID)
		if err != nil {
			return err
		}
		for i := range refs {
			r := refs[i]
			oldID := r.ID
			if !rewriteID(&r, tempID, serverID) {
				continue
			}
			if r.ID != oldID {
				if err := a.ops.Delete(ctx, coll, oldID); err != nil {
					return err
				}
			}
			if _, err := a.ops.Put(ctx, coll, r); err != nil {
				return err
			}
		}
	}

	blobs, err := a.ops.ListBlobs(ctx, "")
	if err != nil {
		return err
	}
	for _, b := range blobs {
		s := string(b.Value)
		if !strings.Contains(s, tempID) {
			continue
		}
		if err := a.ops.PutBlob(ctx, b.Key, []byte(strings.ReplaceAll(s, tempID, serverID))); err != nil {
			return err
		}
	}
	return nil
}

// overlay merges fields into the record's JSON and keeps the indexed
// columns in step with it.
func overlay(r *models.Record, fields map[string]any, status models.SyncStatus, c models.Collection) error {
	data := make(map[string]json.RawMessage)
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "cached record is not an object", err)
		}
	}
	for k, v := range fields {
		if k == "_syncStatus" {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to encode field %s", k), err)
		}
		data[k] = raw
	}
	if status != "" {
		r.SyncStatus = status
	}
	if r.SyncStatus == "" {
		r.SyncStatus = models.SyncStatusSynced
	}
	data["_syncStatus"], _ = json.Marshal(r.SyncStatus)
	data["id"], _ = json.Marshal(r.ID)

	if pf := c.ParentField(); pf != "" {
		if raw, ok := data[pf]; ok {
			var parent string
			if json.Unmarshal(raw, &parent) == nil {
				r.ParentID = parent
			}
		}
	}

	out, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
	}
	r.Data = out
	return nil
}

// Blobs is the generic key/value cache for parent-less lookups.
type Blobs struct {
	ops db.Ops
}

// Put stores value as JSON under key.
func (b *Blobs) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to encode blob %s", key), err)
	}
	return b.ops.PutBlob(ctx, key, data)
}

// Get decodes the blob under key into dst. found is false when no blob exists.
func (b *Blobs) Get(ctx context.Context, key string, dst any) (cachedAt time.Time, found bool, err error) {
	blob, err := b.ops.GetBlob(ctx, key)
	if err != nil || blob == nil {
		return time.Time{}, false, err
	}
	if err := json.Unmarshal(blob.Value, dst); err != nil {
		return time.Time{}, false, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to decode blob %s", key), err)
	}
	return time.UnixMilli(blob.CachedAt), true, nil
}

// List returns the raw blobs whose key starts with prefix.
func (b *Blobs) List(ctx context.Context, prefix string) ([]models.Blob, error) {
	return b.ops.ListBlobs(ctx, prefix)
}

// Delete removes the blob under key.
func (b *Blobs) Delete(ctx context.Context, key string) error {
	return b.ops.DeleteBlob(ctx, key)
}

// CheckinKey is the blob key of a project's crew check-in for one day.
func CheckinKey(projectID, date string) string {
	return "crew_checkin:" + projectID + ":" + date
}
