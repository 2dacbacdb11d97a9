package fieldops

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/backend/backendtest"
	"github.com/kimhsiao/fieldops/internal/cache"
	"github.com/kimhsiao/fieldops/internal/connectivity"
	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/models"
	syncpkg "github.com/kimhsiao/fieldops/internal/sync"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

type fixture struct {
	client  *Client
	store   *db.Store
	cache   *cache.Accessors
	fake    *backendtest.Fake
	monitor *connectivity.Monitor
}

// setupTestClient builds a client over an in-memory store. withEngine wires a
// real sync engine; without it queued changes stay queued.
func setupTestClient(t *testing.T, online, withEngine bool) *fixture {
	t.Helper()
	s, err := db.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:   s,
		cache:   cache.New(s),
		fake:    backendtest.New(),
		monitor: connectivity.NewMonitor(online),
	}
	deps := Deps{Store: s, Backend: f.fake, Uploader: f.fake, Monitor: f.monitor}
	if withEngine {
		deps.Engine = syncpkg.NewSyncEngine(s, f.fake, f.monitor, syncpkg.Config{})
	}
	f.client, err = New(deps)
	require.NoError(t, err)
	return f
}

func (f *fixture) seedAreas(t *testing.T) {
	t.Helper()
	f.fake.Seed(models.CollectionAreas,
		backend.Row{"id": "a1", "project_id": "p1", "name": "Level 1", "status": "not_started", "group_name": "Tower", "sort_order": 2},
		backend.Row{"id": "a2", "project_id": "p1", "name": "Level 2", "status": "not_started", "group_name": "Tower", "sort_order": 1},
	)
	_, err := f.client.GetAreas(context.Background(), "p1")
	require.NoError(t, err)
}

func pending(t *testing.T, c *Client) int {
	t.Helper()
	n, err := c.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestNew_RequiresBackendAndMonitor(t *testing.T) {
	_, err := New(Deps{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestGetAreas_OnlineRefreshesCache(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)

	got, err := f.client.GetAreas(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, "a1", got[1].ID)

	cached, err := f.cache.Areas.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, models.SyncStatusSynced, cached.SyncState())
}

func TestGetAreas_OfflineServesCache(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)
	f.monitor.Set(false)
	f.fake.ResetCalls()

	got, err := f.client.GetAreas(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Empty(t, f.fake.Calls())
}

func TestGetAreas_TransientFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)
	f.fake.FailOnce("select", models.CollectionAreas, backend.Transient("select", "areas", errors.New("timeout")))

	got, err := f.client.GetAreas(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetAreas_PermanentIsReported(t *testing.T) {
	f := setupTestClient(t, true, false)
	f.fake.FailOnce("select", models.CollectionAreas, backend.Permanent("select", "areas", 401, "", "JWT expired"))

	_, err := f.client.GetAreas(context.Background(), "p1")
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncPermanent))
}

func TestGetAreas_KeepsUnsyncedLocalRecords(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)

	f.monitor.Set(false)
	_, err := f.client.UpdateAreaStatus(ctx, "a1", models.AreaStatusDone)
	require.NoError(t, err)
	f.monitor.Set(true)

	got, err := f.client.GetAreas(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.AreaStatusDone, got[1].Status)
	assert.Equal(t, models.SyncStatusPending, got[1].SyncState())
}

func TestGetDisposalLoads_DateScoped(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.fake.Seed(models.CollectionDisposalLoads,
		backend.Row{"id": "l1", "project_id": "p1", "work_date": "2026-10-18", "load_type": "concrete", "load_count": 2},
		backend.Row{"id": "l2", "project_id": "p1", "work_date": "2026-10-19", "load_type": "trash", "load_count": 1},
	)

	_, err := f.client.GetDisposalLoads(ctx, "p1", "2026-10-18")
	require.NoError(t, err)
	_, err = f.client.GetDisposalLoads(ctx, "p1", "2026-10-19")
	require.NoError(t, err)

	f.monitor.Set(false)
	got, err := f.client.GetDisposalLoads(ctx, "p1", "2026-10-18")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "l1", got[0].ID)
}

func TestGetProject_NotFound(t *testing.T) {
	f := setupTestClient(t, false, false)
	_, err := f.client.GetProject(context.Background(), "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestUpdateAreaStatus_Online(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)

	got, err := f.client.UpdateAreaStatus(ctx, "a1", models.AreaStatusWorking)
	require.NoError(t, err)
	assert.Equal(t, models.AreaStatusWorking, got.Status)
	assert.Equal(t, models.SyncStatusSynced, got.SyncState())
	assert.Equal(t, "working", f.fake.Row(models.CollectionAreas, "a1")["status"])
	assert.Equal(t, 0, pending(t, f.client))
}

func TestUpdateAreaStatus_Invalid(t *testing.T) {
	f := setupTestClient(t, true, false)
	_, err := f.client.UpdateAreaStatus(context.Background(), "a1", "finished")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Empty(t, f.fake.Calls())
}

func TestUpdateAreaStatus_TransientQueues(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)
	f.fake.FailOnce("update", models.CollectionAreas, backend.Transient("update", "areas", errors.New("timeout")))

	got, err := f.client.UpdateAreaStatus(ctx, "a1", models.AreaStatusDone)
	require.NoError(t, err)
	assert.Equal(t, models.AreaStatusDone, got.Status)
	assert.Equal(t, models.SyncStatusPending, got.SyncState())
	assert.Equal(t, 1, pending(t, f.client))
}

func TestUpdateAreaStatus_PermanentNotQueued(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)
	f.fake.FailOnce("update", models.CollectionAreas, backend.Permanent("update", "areas", 403, "42501", "permission denied"))

	_, err := f.client.UpdateAreaStatus(ctx, "a1", models.AreaStatusDone)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncPermanent))
	assert.Equal(t, 0, pending(t, f.client))

	cached, err := f.cache.Areas.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AreaStatusNotStarted, cached.Status)
}

func TestUpdateAreaStatus_QueuedBehindLocalEdits(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)

	f.monitor.Set(false)
	_, err := f.client.UpdateAreaStatus(ctx, "a1", models.AreaStatusWorking)
	require.NoError(t, err)
	f.monitor.Set(true)
	f.fake.ResetCalls()

	_, err = f.client.SetAreaBlocker(ctx, "a1", true, "waiting on inspection")
	require.NoError(t, err)
	assert.Empty(t, f.fake.CallsTo("update", models.CollectionAreas))
	assert.Equal(t, 2, pending(t, f.client))
}

func TestUpdateAreaStatus_OfflineUncached(t *testing.T) {
	f := setupTestClient(t, false, false)
	_, err := f.client.UpdateAreaStatus(context.Background(), "a9", models.AreaStatusDone)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, 0, pending(t, f.client))
}

func TestCreateTMTicket_Online(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.fake.NextIDs("ticket-1", "worker-1", "worker-2")

	got, err := f.client.CreateTMTicket(ctx, &models.TMTicket{
		ProjectID: "p1",
		WorkDate:  "2026-10-19",
		Workers: []models.TMWorker{
			{Name: "Ana", Hours: 8},
			{Name: "Ben", Hours: 4},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", got.ID)
	assert.Equal(t, models.TicketStatusDraft, got.Status)
	require.Len(t, got.Workers, 2)
	assert.Equal(t, "worker-1", got.Workers[0].ID)

	workers := f.fake.Rows(models.CollectionTMWorkers)
	require.Len(t, workers, 2)
	assert.Equal(t, "ticket-1", workers[1]["ticket_id"])
	assert.NotEmpty(t, f.fake.Row(models.CollectionTMTickets, "ticket-1")["client_ref"])

	cached, err := f.cache.TMTickets.Get(ctx, "ticket-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Len(t, cached.Workers, 2)
	assert.Equal(t, models.SyncStatusSynced, cached.SyncState())
	assert.Equal(t, 0, pending(t, f.client))
}

func TestCreateTMTicket_Validation(t *testing.T) {
	f := setupTestClient(t, true, false)
	_, err := f.client.CreateTMTicket(context.Background(), &models.TMTicket{ProjectID: "p1", WorkDate: "10/19/2026"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), "WorkDate")
	assert.Empty(t, f.fake.Calls())
}

// TestCreateTMTicket_OfflineThenSync verifies the whole offline round trip:
// optimistic records with temporary ids, then replay and id migration.
func TestCreateTMTicket_OfflineThenSync(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, false, true)
	f.fake.NextIDs("ticket-1", "worker-1", "worker-2")

	local, err := f.client.CreateTMTicket(ctx, &models.TMTicket{
		ProjectID: "p1",
		WorkDate:  "2026-10-19",
		Workers:   []models.TMWorker{{Name: "Ana", Hours: 8}, {Name: "Ben", Hours: 4}},
	})
	require.NoError(t, err)
	assert.True(t, uuid.IsTemp(local.ID))
	assert.Equal(t, models.SyncStatusPending, local.SyncState())
	require.Len(t, local.Workers, 2)
	assert.True(t, uuid.IsTemp(local.Workers[0].ID))
	assert.Equal(t, 3, pending(t, f.client))
	assert.Empty(t, f.fake.Calls())

	cached, err := f.client.GetTMTicket(ctx, local.ID)
	require.NoError(t, err)
	assert.Len(t, cached.Workers, 2)

	f.monitor.Set(true)
	result, err := f.client.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Confirmed)
	assert.Equal(t, 0, pending(t, f.client))

	got, err := f.client.GetTMTicket(ctx, "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.SyncState())
	require.Len(t, got.Workers, 2)
	assert.Equal(t, "ticket-1", got.Workers[0].TicketID)

	gone, err := f.cache.TMTickets.Get(ctx, local.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestAddTicketWorker_TempTicketAlwaysQueued(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, false, false)

	ticket, err := f.client.CreateTMTicket(ctx, &models.TMTicket{ProjectID: "p1", WorkDate: "2026-10-19"})
	require.NoError(t, err)
	f.monitor.Set(true)

	w, err := f.client.AddTicketWorker(ctx, ticket.ID, models.TMWorker{Name: "Cy", Hours: 2})
	require.NoError(t, err)
	assert.True(t, uuid.IsTemp(w.ID))
	assert.Empty(t, f.fake.CallsTo("insert", models.CollectionTMWorkers))
	assert.Equal(t, 2, pending(t, f.client))
}

func TestUpdateTMTicket_RejectsUnknownField(t *testing.T) {
	f := setupTestClient(t, true, false)
	_, err := f.client.UpdateTMTicket(context.Background(), "t1", map[string]any{"project_id": "p2"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestUploadTicketPhoto(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.fake.Seed(models.CollectionTMTickets, backend.Row{"id": "t1", "project_id": "p1", "work_date": "2026-10-19"})

	ref, err := f.client.UploadTicketPhoto(ctx, "t1", "site.jpg", "image/jpeg", []byte{0xff, 0xd8})
	require.NoError(t, err)
	assert.Contains(t, ref, "tm-tickets/t1/")
	assert.Equal(t, []any{ref}, f.fake.Row(models.CollectionTMTickets, "t1")["photos"])

	got, err := f.cache.TMTickets.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{ref}, got.Photos)
}

func TestUploadTicketPhoto_Offline(t *testing.T) {
	f := setupTestClient(t, false, false)
	_, err := f.client.UploadTicketPhoto(context.Background(), "t1", "site.jpg", "image/jpeg", []byte{1})
	assert.True(t, apperrors.Is(err, apperrors.ErrRequiresConnectivity))
}

func TestSaveCrewCheckin_OfflineLookup(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, false, false)

	_, err := f.client.SaveCrewCheckin(ctx, &models.CrewCheckin{
		ProjectID:   "p1",
		CheckInDate: "2026-10-19",
		Workers:     []models.CrewMember{{Name: "Ana"}, {Name: "Ben"}},
	})
	require.NoError(t, err)

	got, err := f.client.GetCrewCheckin(ctx, "p1", "2026-10-19")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Workers, 2)

	none, err := f.client.GetCrewCheckin(ctx, "p1", "2026-10-18")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSendMessage_DefaultsSender(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)

	m, err := f.client.SendMessage(ctx, &models.Message{ProjectID: "p1", SenderName: "Foreman", Body: "Pour at 7"})
	require.NoError(t, err)
	assert.Equal(t, "field", m.SenderType)
	assert.NotEmpty(t, m.CreatedAt)

	read, err := f.client.MarkMessageRead(ctx, m.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, read.ReadAt)
}

func TestAddDisposalLoad_Validation(t *testing.T) {
	f := setupTestClient(t, false, false)
	_, err := f.client.AddDisposalLoad(context.Background(), &models.DisposalLoad{
		ProjectID: "p1", WorkDate: "2026-10-19", LoadType: "concrete", LoadCount: 0,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Equal(t, 0, pending(t, f.client))
}

func TestDeleteDisposalLoad_TempDropsQueuedCreate(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, false, false)

	l, err := f.client.AddDisposalLoad(ctx, &models.DisposalLoad{
		ProjectID: "p1", WorkDate: "2026-10-19", LoadType: "concrete", LoadCount: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pending(t, f.client))

	require.NoError(t, f.client.DeleteDisposalLoad(ctx, l.ID))
	assert.Equal(t, 0, pending(t, f.client))

	got, err := f.client.GetDisposalLoads(ctx, "p1", "2026-10-19")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteDisposalLoad_OfflineQueued(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.fake.Seed(models.CollectionDisposalLoads,
		backend.Row{"id": "l1", "project_id": "p1", "work_date": "2026-10-19", "load_type": "trash", "load_count": 1})
	_, err := f.client.GetDisposalLoads(ctx, "p1", "2026-10-19")
	require.NoError(t, err)

	f.monitor.Set(false)
	require.NoError(t, f.client.DeleteDisposalLoad(ctx, "l1"))
	assert.Equal(t, 1, pending(t, f.client))

	got, err := f.client.GetDisposalLoads(ctx, "p1", "2026-10-19")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, f.fake.Row(models.CollectionDisposalLoads, "l1"))
}

func TestStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	monitor := connectivity.NewMonitor(true)
	c, err := New(Deps{Backend: fake, Monitor: monitor})
	require.NoError(t, err)
	assert.False(t, c.StorageAvailable())

	fake.Seed(models.CollectionAreas, backend.Row{"id": "a1", "project_id": "p1", "name": "Level 1", "status": "not_started"})
	got, err := c.GetAreas(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	fake.FailOnce("update", models.CollectionAreas, backend.Transient("update", "areas", errors.New("timeout")))
	_, err = c.UpdateAreaStatus(ctx, "a1", models.AreaStatusDone)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageUnavailable))

	monitor.Set(false)
	_, err = c.GetAreas(ctx, "p1")
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageUnavailable))
	_, err = c.SendMessage(ctx, &models.Message{ProjectID: "p1", SenderName: "Foreman", Body: "hi"})
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageUnavailable))

	_, err = c.SyncNow(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageUnavailable))
}

func TestDiscardAction_ReleasesServerRecord(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)

	f.monitor.Set(false)
	_, err := f.client.UpdateAreaStatus(ctx, "a1", models.AreaStatusDone)
	require.NoError(t, err)
	actions, err := f.client.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	require.NoError(t, f.client.DiscardAction(ctx, actions[0].ID))
	assert.Equal(t, 0, pending(t, f.client))

	f.monitor.Set(true)
	got, err := f.client.GetAreas(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[1].ID)
	assert.Equal(t, models.AreaStatusNotStarted, got[1].Status)
	assert.Equal(t, models.SyncStatusSynced, got[1].SyncState())
}

func TestDiscardAction_KeepsRecordWithOtherEdits(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.seedAreas(t)

	f.monitor.Set(false)
	_, err := f.client.UpdateAreaStatus(ctx, "a1", models.AreaStatusWorking)
	require.NoError(t, err)
	_, err = f.client.SetAreaBlocker(ctx, "a1", true, "waiting on inspection")
	require.NoError(t, err)
	actions, err := f.client.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	require.NoError(t, f.client.DiscardAction(ctx, actions[0].ID))
	assert.Equal(t, 1, pending(t, f.client))

	cached, err := f.cache.Areas.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, cached.SyncState())
}

func TestDiscardAction_DropsTempRecord(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, false, false)

	_, err := f.client.AddDisposalLoad(ctx, &models.DisposalLoad{
		ProjectID: "p1", WorkDate: "2026-10-19", LoadType: "concrete", LoadCount: 3,
	})
	require.NoError(t, err)
	actions, err := f.client.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	require.NoError(t, f.client.DiscardAction(ctx, actions[0].ID))

	got, err := f.client.GetDisposalLoads(ctx, "p1", "2026-10-19")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDiscardAction_NotFound(t *testing.T) {
	f := setupTestClient(t, false, false)
	err := f.client.DiscardAction(context.Background(), 42)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestAddDisposalLoad_LeavesInputUntouched(t *testing.T) {
	ctx := context.Background()
	f := setupTestClient(t, true, false)
	f.fake.NextIDs("load-1")

	in := &models.DisposalLoad{
		ID: "caller-id", ProjectID: "p1", WorkDate: "2026-10-19", LoadType: "concrete", LoadCount: 2,
	}
	got, err := f.client.AddDisposalLoad(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "load-1", got.ID)
	assert.Equal(t, "caller-id", in.ID)

	f.monitor.Set(false)
	local, err := f.client.AddDisposalLoad(ctx, in)
	require.NoError(t, err)
	assert.True(t, uuid.IsTemp(local.ID))
	assert.Equal(t, "caller-id", in.ID)
}
