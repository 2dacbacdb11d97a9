package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/models"
)

type (
	// Collection aliases models.Collection for callers of this package.
	Collection = models.Collection
	// Record aliases models.Record for callers of this package.
	Record = models.Record
)

// IndexParent is the secondary index every collection keeps on its parent id.
const IndexParent = "parent_id"

// IndexSyncStatus looks records up by their local sync status.
const IndexSyncStatus = "sync_status"

// Ops is the set of storage primitives. It is implemented by *Store and by
// the transaction handle InTx passes to its callback.
type Ops interface {
	Put(ctx context.Context, c Collection, r Record) (Record, error)
	PutAll(ctx context.Context, c Collection, records []Record) error
	Get(ctx context.Context, c Collection, id string) (*Record, error)
	GetAll(ctx context.Context, c Collection) ([]Record, error)
	GetByIndex(ctx context.Context, c Collection, index, value string) ([]Record, error)
	Search(ctx context.Context, c Collection, needle string) ([]Record, error)
	Delete(ctx context.Context, c Collection, id string) error
	Clear(ctx context.Context, c Collection) error

	PutBlob(ctx context.Context, key string, value []byte) error
	GetBlob(ctx context.Context, key string) (*models.Blob, error)
	ListBlobs(ctx context.Context, prefix string) ([]models.Blob, error)
	DeleteBlob(ctx context.Context, key string) error

	InsertAction(ctx context.Context, a *models.PendingAction) (int64, error)
	ListActions(ctx context.Context) ([]models.PendingAction, error)
	GetAction(ctx context.Context, id int64) (*models.PendingAction, error)
	UpdateAction(ctx context.Context, a *models.PendingAction) error
	DeleteAction(ctx context.Context, id int64) (bool, error)
	CountActions(ctx context.Context, states ...models.ActionState) (int, error)
	CountActionsByState(ctx context.Context) (map[models.ActionState]int, error)
}

var recordColumns = []string{"id", "parent_id", "sync_status", "data", "updated_at"}

var actionColumns = []string{
	"id", "type", "payload", "idempotency_key", "created_at", "updated_at",
	"attempts", "last_error", "state",
}

type recordRow struct {
	ID         string         `db:"id"`
	ParentID   string         `db:"parent_id"`
	SyncStatus string         `db:"sync_status"`
	Data       types.JSONText `db:"data"`
	UpdatedAt  int64          `db:"updated_at"`
}

func (r recordRow) toRecord() Record {
	return Record{
		ID:         r.ID,
		ParentID:   r.ParentID,
		SyncStatus: models.SyncStatus(r.SyncStatus),
		Data:       []byte(r.Data),
		UpdatedAt:  r.UpdatedAt,
	}
}

// ops runs the primitives against either the database or an open transaction.
type ops struct {
	ext sqlx.ExtContext
}

var _ Ops = (*ops)(nil)
var _ Ops = (*Store)(nil)

func table(c Collection) (string, error) {
	if !c.IsLocal() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", c))
	}
	return string(c), nil
}

func dbErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

// Put upserts one record by id. The last writer wins.
func (o *ops) Put(ctx context.Context, c Collection, r Record) (Record, error) {
	t, err := table(c)
	if err != nil {
		return Record{}, err
	}
	if r.ID == "" {
		return Record{}, apperrors.New(apperrors.ErrInvalid, "record id is required")
	}
	if len(r.Data) == 0 {
		r.Data = []byte("{}")
	}
	if r.SyncStatus == "" {
		r.SyncStatus = models.SyncStatusSynced
	}
	if r.UpdatedAt == 0 {
		r.UpdatedAt = time.Now().UnixMilli()
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.ReplaceInto(t)
	ib.Cols(recordColumns...)
	ib.Values(r.ID, r.ParentID, string(r.SyncStatus), string(r.Data), r.UpdatedAt)

	query, args := ib.Build()
	if _, err := o.ext.ExecContext(ctx, query, args...); err != nil {
		return Record{}, dbErr(fmt.Sprintf("failed to put %s/%s", c, r.ID), err)
	}
	return r, nil
}

// PutAll upserts many records. On a transaction handle it joins that
// transaction; *Store wraps it in its own.
func (o *ops) PutAll(ctx context.Context, c Collection, records []Record) error {
	for _, r := range records {
		if _, err := o.Put(ctx, c, r); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the record with id, or nil when it does not exist.
func (o *ops) Get(ctx context.Context, c Collection, id string) (*Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From(t)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row recordRow
	if err := sqlx.GetContext(ctx, o.ext, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr(fmt.Sprintf("failed to get %s/%s", c, id), err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// GetAll returns every record in the collection.
func (o *ops) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From(t)
	sb.OrderBy("updated_at", "id")

	return o.selectRecords(ctx, c, sb)
}

// GetByIndex returns records whose indexed column equals value. The parent
// index can be addressed either as "parent_id" or by the entity's own parent
// field name (e.g. "project_id").
func (o *ops) GetByIndex(ctx context.Context, c Collection, index, value string) ([]Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}

	var column string
	switch index {
	case IndexParent, c.ParentField():
		column = "parent_id"
	case IndexSyncStatus:
		column = "sync_status"
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("collection %s has no index %q", c, index))
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From(t)
	sb.Where(sb.Equal(column, value))
	sb.OrderBy("updated_at", "id")

	return o.selectRecords(ctx, c, sb)
}

// Search returns records whose parent id equals needle or whose data
// mentions it anywhere.
func (o *ops) Search(ctx context.Context, c Collection, needle string) ([]Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}
	if needle == "" {
		return nil, nil
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From(t)
	sb.Where(sb.Or(
		sb.Equal("parent_id", needle),
		sb.Equal("id", needle),
		sb.Like("data", "%"+needle+"%"),
	))
	sb.OrderBy("updated_at", "id")

	return o.selectRecords(ctx, c, sb)
}

func (o *ops) selectRecords(ctx context.Context, c Collection, sb *sqlbuilder.SelectBuilder) ([]Record, error) {
	query, args := sb.Build()
	var rows []recordRow
	if err := sqlx.SelectContext(ctx, o.ext, &rows, query, args...); err != nil {
		return nil, dbErr(fmt.Sprintf("failed to read %s", c), err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (o *ops) Delete(ctx context.Context, c Collection, id string) error {
	t, err := table(c)
	if err != nil {
		return err
	}

	dlb := sqlbuilder.SQLite.NewDeleteBuilder()
	dlb.DeleteFrom(t)
	dlb.Where(dlb.Equal("id", id))

	query, args := dlb.Build()
	if _, err := o.ext.ExecContext(ctx, query, args...); err != nil {
		return dbErr(fmt.Sprintf("failed to delete %s/%s", c, id), err)
	}
	return nil
}

// Clear removes every record in the collection.
func (o *ops) Clear(ctx context.Context, c Collection) error {
	t, err := table(c)
	if err != nil {
		return err
	}

	dlb := sqlbuilder.SQLite.NewDeleteBuilder()
	dlb.DeleteFrom(t)

	query, args := dlb.Build()
	if _, err := o.ext.ExecContext(ctx, query, args...); err != nil {
		return dbErr(fmt.Sprintf("failed to clear %s", c), err)
	}
	return nil
}

// PutBlob stores value under key, replacing any previous entry.
func (o *ops) PutBlob(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "blob key is required")
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.ReplaceInto(models.Blob{}.TableName())
	ib.Cols("key", "value", "cached_at")
	ib.Values(key, string(value), time.Now().UnixMilli())

	query, args := ib.Build()
	if _, err := o.ext.ExecContext(ctx, query, args...); err != nil {
		return dbErr(fmt.Sprintf("failed to put blob %s", key), err)
	}
	return nil
}

// GetBlob returns the blob under key, or nil when there is none.
func (o *ops) GetBlob(ctx context.Context, key string) (*models.Blob, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("key", "value", "cached_at")
	sb.From(models.Blob{}.TableName())
	sb.Where(sb.Equal("key", key))

	query, args := sb.Build()
	var b models.Blob
	if err := sqlx.GetContext(ctx, o.ext, &b, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr(fmt.Sprintf("failed to get blob %s", key), err)
	}
	return &b, nil
}

// ListBlobs returns blobs whose key starts with prefix, ordered by key.
func (o *ops) ListBlobs(ctx context.Context, prefix string) ([]models.Blob, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("key", "value", "cached_at")
	sb.From(models.Blob{}.TableName())
	sb.Where(sb.Like("key", prefix+"%"))
	sb.OrderBy("key")

	query, args := sb.Build()
	var blobs []models.Blob
	if err := sqlx.SelectContext(ctx, o.ext, &blobs, query, args...); err != nil {
		return nil, dbErr("failed to list blobs", err)
	}
	return blobs, nil
}

// DeleteBlob removes the blob under key.
func (o *ops) DeleteBlob(ctx context.Context, key string) error {
	dlb := sqlbuilder.SQLite.NewDeleteBuilder()
	dlb.DeleteFrom(models.Blob{}.TableName())
	dlb.Where(dlb.Equal("key", key))

	query, args := dlb.Build()
	if _, err := o.ext.ExecContext(ctx, query, args...); err != nil {
		return dbErr(fmt.Sprintf("failed to delete blob %s", key), err)
	}
	return nil
}

// InsertAction appends an action and returns its sequence id.
func (o *ops) InsertAction(ctx context.Context, a *models.PendingAction) (int64, error) {
	if a.State == "" {
		a.State = models.ActionStatePending
	}
	now := time.Now().UnixMilli()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(models.PendingAction{}.TableName())
	ib.Cols("type", "payload", "idempotency_key", "created_at", "updated_at", "attempts", "last_error", "state")
	ib.Values(a.Type, string(a.Payload), a.IdempotencyKey, a.CreatedAt, a.UpdatedAt, a.Attempts, a.LastError, string(a.State))

	query, args := ib.Build()
	res, err := o.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueFailed, "failed to insert action", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueFailed, "failed to read action id", err)
	}
	a.ID = id
	return id, nil
}

// ListActions returns every action in sequence order.
func (o *ops) ListActions(ctx context.Context) ([]models.PendingAction, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(actionColumns...)
	sb.From(models.PendingAction{}.TableName())
	sb.OrderBy("id").Asc()

	query, args := sb.Build()
	var actions []models.PendingAction
	if err := sqlx.SelectContext(ctx, o.ext, &actions, query, args...); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueFailed, "failed to list actions", err)
	}
	return actions, nil
}

// GetAction returns one action, or nil when it does not exist.
func (o *ops) GetAction(ctx context.Context, id int64) (*models.PendingAction, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(actionColumns...)
	sb.From(models.PendingAction{}.TableName())
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var a models.PendingAction
	if err := sqlx.GetContext(ctx, o.ext, &a, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrQueueFailed, fmt.Sprintf("failed to get action %d", id), err)
	}
	return &a, nil
}

// UpdateAction writes back the mutable columns of an action.
func (o *ops) UpdateAction(ctx context.Context, a *models.PendingAction) error {
	a.UpdatedAt = time.Now().UnixMilli()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(models.PendingAction{}.TableName())
	ub.Set(
		ub.Assign("payload", string(a.Payload)),
		ub.Assign("attempts", a.Attempts),
		ub.Assign("last_error", a.LastError),
		ub.Assign("state", string(a.State)),
		ub.Assign("updated_at", a.UpdatedAt),
	)
	ub.Where(ub.Equal("id", a.ID))

	query, args := ub.Build()
	res, err := o.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueFailed, fmt.Sprintf("failed to update action %d", a.ID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %d not found", a.ID))
	}
	return nil
}

// DeleteAction removes one action and reports whether it existed.
func (o *ops) DeleteAction(ctx context.Context, id int64) (bool, error) {
	dlb := sqlbuilder.SQLite.NewDeleteBuilder()
	dlb.DeleteFrom(models.PendingAction{}.TableName())
	dlb.Where(dlb.Equal("id", id))

	query, args := dlb.Build()
	res, err := o.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrQueueFailed, fmt.Sprintf("failed to delete action %d", id), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountActions counts actions, optionally restricted to some states.
func (o *ops) CountActions(ctx context.Context, states ...models.ActionState) (int, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(models.PendingAction{}.TableName())
	if len(states) > 0 {
		vals := make([]interface{}, 0, len(states))
		for _, s := range states {
			vals = append(vals, string(s))
		}
		sb.Where(sb.In("state", vals...))
	}

	query, args := sb.Build()
	var n int
	if err := sqlx.GetContext(ctx, o.ext, &n, query, args...); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueFailed, "failed to count actions", err)
	}
	return n, nil
}

// CountActionsByState returns the number of actions in each state.
func (o *ops) CountActionsByState(ctx context.Context) (map[models.ActionState]int, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("state", sb.As("COUNT(*)", "n"))
	sb.From(models.PendingAction{}.TableName())
	sb.GroupBy("state")

	query, args := sb.Build()
	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, o.ext, &rows, query, args...); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueFailed, "failed to count actions", err)
	}

	out := make(map[models.ActionState]int, len(rows))
	for _, r := range rows {
		out[models.ActionState(r.State)] = r.N
	}
	return out, nil
}
