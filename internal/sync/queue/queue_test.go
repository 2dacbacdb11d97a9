package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

func setupTestQueue(t *testing.T) (*db.Store, *Queue) {
	t.Helper()
	s, err := db.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, New(s)
}

func areaPatch(id, status string) Payload {
	return Payload{RecordID: id, Patch: map[string]any{"status": status}}
}

// TestEnqueue verifies an entry is stored with a key and in pending state.
func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	_, q := setupTestQueue(t)

	a, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a1", "done"))
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.Equal(t, models.ActionStatePending, a.State)
	assert.Equal(t, models.CollectionAreas, a.Payload.Collection)
	assert.Contains(t, a.IdempotencyKey, uuid.ActionPrefix)
	assert.Equal(t, "done", a.Payload.Patch["status"])

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestEnqueue_Invalid verifies unknown types and bad payloads are rejected.
func TestEnqueue_Invalid(t *testing.T) {
	ctx := context.Background()
	_, q := setupTestQueue(t)

	_, err := q.Enqueue(ctx, ActionType("launch-rocket"), Payload{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = q.Enqueue(ctx, ActionUpdateAreaStatus, Payload{Patch: map[string]any{"status": "done"}})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = q.Enqueue(ctx, ActionUpdateAreaStatus, Payload{Collection: models.CollectionMessages, RecordID: "a1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestEnqueue_CreateClientRef verifies creates carry their key as client_ref
// and never send the temporary id.
func TestEnqueue_CreateClientRef(t *testing.T) {
	ctx := context.Background()
	_, q := setupTestQueue(t)

	tmp := uuid.NewTemp()
	a, err := q.Enqueue(ctx, ActionCreateTicket, Payload{
		RecordID: tmp,
		ParentID: "p1",
		Record:   map[string]any{"id": tmp, "project_id": "p1", "_syncStatus": "pending"},
	})
	require.NoError(t, err)
	assert.NotContains(t, a.Payload.Record, "id")
	assert.NotContains(t, a.Payload.Record, "_syncStatus")
	assert.Equal(t, a.IdempotencyKey, a.Payload.Record["client_ref"])
	assert.Equal(t, tmp, a.Produces())
	assert.Empty(t, a.Dependencies())
}

// TestList_FIFOAfterRestart verifies order and contents survive a reopen.
func TestList_FIFOAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	s, err := db.Open(ctx, dir)
	require.NoError(t, err)
	q := New(s)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch(id, "working"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = db.Open(ctx, dir)
	require.NoError(t, err)
	defer s.Close()

	list, err := New(s).List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, id, list[i].Payload.RecordID)
	}
	assert.Less(t, list[0].ID, list[1].ID)
	assert.Less(t, list[1].ID, list[2].ID)
}

// TestMarkFailed verifies transient and permanent bookkeeping.
func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	_, q := setupTestQueue(t)

	a, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a1", "done"))
	require.NoError(t, err)

	got, err := q.MarkFailed(ctx, a.ID, errors.New("timeout"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "timeout", got.LastError)
	assert.Equal(t, models.ActionStatePending, got.State)

	got, err = q.MarkFailed(ctx, a.ID, errors.New("check constraint"), true)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, models.ActionStateFailed, got.State)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, stats)

	_, err = q.MarkFailed(ctx, 999, errors.New("x"), true)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestRetryFailed verifies failed and blocked entries return to pending.
func TestRetryFailed(t *testing.T) {
	ctx := context.Background()
	_, q := setupTestQueue(t)

	a1, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a1", "done"))
	require.NoError(t, err)
	a2, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a2", "done"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a3", "done"))
	require.NoError(t, err)

	_, err = q.MarkFailed(ctx, a1.ID, errors.New("rejected"), true)
	require.NoError(t, err)
	_, err = q.MarkBlocked(ctx, a2.ID, "waiting on tmp-x")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Pending: 1, Failed: 1, Blocked: 1}, stats)

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Pending: 3}, stats)

	got, err := q.Get(ctx, a1.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
}

// TestRemoveDiscard verifies entries are deleted once.
func TestRemoveDiscard(t *testing.T) {
	ctx := context.Background()
	_, q := setupTestQueue(t)

	a, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a1", "done"))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a2", "done"))
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, a.ID))
	assert.True(t, apperrors.Is(q.Remove(ctx, a.ID), apperrors.ErrNotFound))
	require.NoError(t, q.Discard(ctx, b.ID))

	got, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestRewriteReferences verifies later payloads pick up the server id.
func TestRewriteReferences(t *testing.T) {
	ctx := context.Background()
	s, q := setupTestQueue(t)

	tmp := uuid.NewTemp()
	create, err := q.Enqueue(ctx, ActionCreateTicket, Payload{RecordID: tmp, ParentID: "p1", Record: map[string]any{"project_id": "p1"}})
	require.NoError(t, err)
	worker, err := q.Enqueue(ctx, ActionAddTicketWorker, Payload{
		RecordID: uuid.NewTemp(),
		ParentID: tmp,
		Record:   map[string]any{"ticket_id": tmp, "name": "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{tmp}, worker.Dependencies())
	_, err = q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a1", "done"))
	require.NoError(t, err)

	err = s.InTx(ctx, func(o db.Ops) error {
		tq := New(o)
		n, err := tq.RewriteReferences(ctx, tmp, "ticket-9f2a")
		if err != nil {
			return err
		}
		assert.Equal(t, 2, n)
		return tq.Remove(ctx, create.ID)
	})
	require.NoError(t, err)

	got, err := q.Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, "ticket-9f2a", got.Payload.ParentID)
	assert.Equal(t, "ticket-9f2a", got.Payload.Record["ticket_id"])
	assert.Empty(t, got.Dependencies())

	col, id := got.LocalRecord()
	assert.Equal(t, models.CollectionTMTickets, col)
	assert.Equal(t, "ticket-9f2a", id)
}

// TestPayloadResolve verifies in-memory substitution of mapped ids.
func TestPayloadResolve(t *testing.T) {
	tmp := uuid.NewTemp()
	p := Payload{
		Collection: models.CollectionTMTickets,
		RecordID:   tmp,
		Patch:      map[string]any{"photos": []any{"a.jpg"}, "ref": tmp},
	}

	out, err := p.Resolve(map[string]string{tmp: "ticket-1"})
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", out.RecordID)
	assert.Equal(t, "ticket-1", out.Patch["ref"])
	assert.Equal(t, tmp, p.RecordID)

	same, err := p.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, p, same)
}

// TestSpecs verifies every registered type names a collection.
func TestSpecs(t *testing.T) {
	assert.Len(t, Specs, 13)
	for typ, spec := range Specs {
		assert.NotEmpty(t, spec.Collection, typ)
		assert.True(t, spec.Local.IsLocal(), typ)
	}
	assert.True(t, Specs[ActionAddTicketWorker].Nested())
	assert.False(t, Known("nope"))
}

// TestList_CorruptEntry verifies an undecodable row is listed on its own
// instead of hiding the rest of the queue.
func TestList_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	s, q := setupTestQueue(t)

	_, err := s.InsertAction(ctx, &models.PendingAction{
		Type: string(ActionCreateTicket), Payload: []byte("{not json"), IdempotencyKey: "act-broken",
	})
	require.NoError(t, err)
	_, err = s.InsertAction(ctx, &models.PendingAction{
		Type: "rename-project", Payload: []byte(`{"collection":"projects"}`), IdempotencyKey: "act-unknown",
	})
	require.NoError(t, err)
	good, err := q.Enqueue(ctx, ActionUpdateAreaStatus, areaPatch("a1", "done"))
	require.NoError(t, err)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Contains(t, list[0].Corrupt, "corrupt payload")
	assert.Empty(t, list[0].Payload.RecordID)
	assert.Contains(t, list[1].Corrupt, "unknown action type")
	assert.Equal(t, good.ID, list[2].ID)
	assert.Empty(t, list[2].Corrupt)
}
