package fieldops

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/cache"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/sync/queue"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

// ticketFields are the ticket columns UpdateTMTicket may change.
var ticketFields = map[string]bool{
	"ce_number": true,
	"notes":     true,
	"status":    true,
	"work_date": true,
	"items":     true,
}

// CreateTMTicket creates a ticket and then adds its workers one by one, so
// each worker replays as its own queued insert.
func (c *Client) CreateTMTicket(ctx context.Context, t *models.TMTicket) (*models.TMTicket, error) {
	if t == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "ticket is required")
	}
	if err := c.check(t); err != nil {
		return nil, err
	}
	workers := t.Workers
	head := *t
	head.Workers = nil
	if head.Status == "" {
		head.Status = models.TicketStatusDraft
	}

	created, err := create(ctx, c, queue.ActionCreateTicket, tickets, &head, nil)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		added, err := c.AddTicketWorker(ctx, created.ID, w)
		if err != nil {
			return created, fmt.Errorf("ticket %s created but worker %q was not added: %w", created.ID, w.Name, err)
		}
		created.Workers = append(created.Workers, *added)
	}
	return created, nil
}

// AddTicketWorker adds a labor line to a ticket. The ticket may still carry a
// temporary id; the worker is then queued behind the ticket's create.
func (c *Client) AddTicketWorker(ctx context.Context, ticketID string, w models.TMWorker) (*models.TMWorker, error) {
	if err := c.check(&w); err != nil {
		return nil, err
	}
	w.ID = ""
	w.TicketID = ticketID
	fields, err := models.WireFields(&w)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode worker", err)
	}
	fields["client_ref"] = uuid.NewActionKey()

	busy, err := c.hasLocalEdits(ctx, models.CollectionTMTickets, ticketID)
	if err != nil {
		return nil, err
	}
	tmp := uuid.NewTemp()
	local := w
	local.ID = tmp
	local.ClientRef, _ = fields["client_ref"].(string)

	row, queued, err := c.apply(ctx, mutation{
		action:    queue.ActionAddTicketWorker,
		payload:   queue.Payload{RecordID: tmp, ParentID: ticketID, Record: fields},
		queueOnly: busy,
		direct: func(ctx context.Context) (backend.Row, error) {
			return c.backend.Insert(ctx, models.CollectionTMWorkers, fields)
		},
		confirmed: func(ctx context.Context, acc *cache.Accessors, row backend.Row) error {
			added, err := decodeWorker(row)
			if err != nil {
				return err
			}
			return appendWorker(ctx, acc, ticketID, *added, false)
		},
		optimistic: func(ctx context.Context, acc *cache.Accessors) error {
			return appendWorker(ctx, acc, ticketID, local, true)
		},
	})
	if err != nil {
		return nil, err
	}
	if queued {
		return &local, nil
	}
	return decodeWorker(row)
}

// appendWorker adds w to the cached ticket. A pending append requires the
// ticket to be cached; a confirmed one is skipped when it is not.
func appendWorker(ctx context.Context, acc *cache.Accessors, ticketID string, w models.TMWorker, pending bool) error {
	t, err := acc.TMTickets.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if t == nil {
		if pending {
			return notFound(models.CollectionTMTickets, ticketID)
		}
		return nil
	}
	t.Workers = append(t.Workers, w)
	if pending {
		t.SetSyncState(models.SyncStatusPending)
	}
	return acc.TMTickets.Put(ctx, t)
}

func decodeWorker(row backend.Row) (*models.TMWorker, error) {
	var w models.TMWorker
	if err := models.DecodeInto(row, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "unexpected tm_workers row", err)
	}
	return &w, nil
}

// UpdateTMTicket changes ticket header fields. Workers and photos have their
// own operations.
func (c *Client) UpdateTMTicket(ctx context.Context, id string, fields map[string]any) (*models.TMTicket, error) {
	if len(fields) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "no fields to update")
	}
	for k := range fields {
		if !ticketFields[k] {
			return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("field '%s' cannot be updated", k))
		}
	}
	if s, ok := fields["status"].(string); ok && s != models.TicketStatusDraft && s != models.TicketStatusSubmitted {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid ticket status %q", s))
	}
	return patch(ctx, c, queue.ActionUpdateTicket, tickets, id, fields)
}

// UploadTicketPhoto stores a photo and attaches its reference to the ticket.
// The upload itself needs connectivity; attaching the reference may be
// queued.
func (c *Client) UploadTicketPhoto(ctx context.Context, ticketID, name, contentType string, data []byte) (string, error) {
	if !c.monitor.GetStatus() {
		return "", apperrors.New(apperrors.ErrRequiresConnectivity, "photo upload requires connectivity")
	}
	if c.uploader == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "no photo storage configured")
	}
	if len(data) == 0 {
		return "", apperrors.New(apperrors.ErrValidation, "photo is empty")
	}

	t, err := c.GetTMTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}

	key := path.Join("tm-tickets", ticketID, uuid.New()+"-"+path.Base(name))
	ref, err := c.uploader.Upload(ctx, key, contentType, data)
	if err != nil {
		if backend.KindOf(err) == backend.KindTransient {
			return "", apperrors.Wrap(apperrors.ErrRequiresConnectivity, "photo upload failed", err)
		}
		return "", apperrors.Wrap(apperrors.ErrSyncPermanent, "photo upload rejected", err)
	}

	photos := append(append([]string{}, t.Photos...), ref)
	if _, err := patch(ctx, c, queue.ActionAttachPhotoReference, tickets, ticketID, map[string]any{"photos": photos}); err != nil {
		return ref, err
	}
	return ref, nil
}

// UpdateAreaStatus sets the progress of a work area.
func (c *Client) UpdateAreaStatus(ctx context.Context, id string, status models.AreaStatus) (*models.Area, error) {
	if !models.ValidAreaStatus(status) {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid area status %q", status))
	}
	return patch(ctx, c, queue.ActionUpdateAreaStatus, areas, id, map[string]any{"status": string(status)})
}

// SetAreaBlocker flags or clears a blocker on a work area.
func (c *Client) SetAreaBlocker(ctx context.Context, id string, blocked bool, note string) (*models.Area, error) {
	if !blocked {
		note = ""
	}
	return patch(ctx, c, queue.ActionUpdateAreaBlocker, areas, id, map[string]any{
		"blocked":      blocked,
		"blocker_note": note,
	})
}

// SaveCrewCheckin records who is on site for a day.
func (c *Client) SaveCrewCheckin(ctx context.Context, ci *models.CrewCheckin) (*models.CrewCheckin, error) {
	if ci == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "check-in is required")
	}
	return create(ctx, c, queue.ActionSaveCheckin, checkins, ci,
		func(ctx context.Context, acc *cache.Accessors, saved *models.CrewCheckin) error {
			return acc.Blobs.Put(ctx, cache.CheckinKey(saved.ProjectID, saved.CheckInDate), saved)
		})
}

// SaveDailyReport stores a daily report.
func (c *Client) SaveDailyReport(ctx context.Context, r *models.DailyReport) (*models.DailyReport, error) {
	if r == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "report is required")
	}
	return create(ctx, c, queue.ActionSaveDailyReport, dailyReports, r, nil)
}

// SendMessage posts a message to the project thread.
func (c *Client) SendMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if m == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "message is required")
	}
	if m.SenderType == "" {
		m.SenderType = "field"
	}
	return create(ctx, c, queue.ActionSendMessage, messages, m, nil)
}

// MarkMessageRead stamps a message as read now.
func (c *Client) MarkMessageRead(ctx context.Context, id string) (*models.Message, error) {
	return patch(ctx, c, queue.ActionMarkMessageRead, messages, id, map[string]any{
		"read_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// AddDisposalLoad logs haul-off loads.
func (c *Client) AddDisposalLoad(ctx context.Context, l *models.DisposalLoad) (*models.DisposalLoad, error) {
	if l == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "load is required")
	}
	return create(ctx, c, queue.ActionAddDisposalLoad, disposalLoads, l, nil)
}

// DeleteDisposalLoad removes a logged load.
func (c *Client) DeleteDisposalLoad(ctx context.Context, id string) error {
	return remove(ctx, c, queue.ActionDeleteDisposalLoad, disposalLoads, id)
}

// CreateInjuryReport files an injury report.
func (c *Client) CreateInjuryReport(ctx context.Context, r *models.InjuryReport) (*models.InjuryReport, error) {
	if r == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "report is required")
	}
	return create(ctx, c, queue.ActionCreateInjuryReport, injuryReports, r, nil)
}
