// Package handlers exposes the domain façade as a local REST API for the UI
// shell.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/fieldops"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/sync/scheduler"
)

// maxPhotoBytes caps a single photo upload.
const maxPhotoBytes = 20 << 20

// SchedulerStatus reports background sync state.
type SchedulerStatus interface {
	GetStatus() scheduler.SchedulerStatus
}

// Follower starts realtime reconciliation for a project.
type Follower interface {
	Follow(ctx context.Context, projectID string) error
}

// Handler serves the façade over HTTP.
type Handler struct {
	client   *fieldops.Client
	sched    SchedulerStatus
	follower Follower
	logger   *logging.Logger
}

// NewHandler creates a handler. sched and follower may be nil.
func NewHandler(client *fieldops.Client, sched SchedulerStatus, follower Follower) *Handler {
	return &Handler{
		client:   client,
		sched:    sched,
		follower: follower,
		logger:   logging.Get().Named("api"),
	}
}

// Register mounts every route on g.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/health", h.health)
	g.GET("/status", h.status)

	g.GET("/projects", h.listProjects)
	g.GET("/projects/:id", h.getProject)
	g.POST("/projects/:id/follow", h.followProject)
	g.GET("/projects/:id/areas", h.listAreas)
	g.GET("/projects/:id/tickets", h.listTickets)
	g.GET("/projects/:id/checkins/:date", h.getCheckin)
	g.GET("/projects/:id/reports", h.listReports)
	g.GET("/projects/:id/messages", h.listMessages)
	g.GET("/projects/:id/disposal-loads", h.listDisposalLoads)
	g.GET("/projects/:id/injury-reports", h.listInjuryReports)

	g.PATCH("/areas/:id/status", h.updateAreaStatus)
	g.PATCH("/areas/:id/blocker", h.setAreaBlocker)

	g.POST("/tickets", h.createTicket)
	g.GET("/tickets/:id", h.getTicket)
	g.PATCH("/tickets/:id", h.updateTicket)
	g.POST("/tickets/:id/workers", h.addWorker)
	g.POST("/tickets/:id/photos", h.uploadPhoto)

	g.POST("/checkins", h.saveCheckin)
	g.POST("/reports", h.saveReport)
	g.POST("/messages", h.sendMessage)
	g.POST("/messages/:id/read", h.markRead)
	g.POST("/disposal-loads", h.addDisposalLoad)
	g.DELETE("/disposal-loads/:id", h.deleteDisposalLoad)
	g.POST("/injury-reports", h.createInjuryReport)

	g.GET("/queue", h.listQueue)
	g.POST("/queue/retry", h.retryQueue)
	g.DELETE("/queue/:id", h.discardAction)
	g.POST("/sync", h.syncNow)
	g.GET("/conflicts", h.listConflicts)
	g.DELETE("/conflicts/:collection/:id", h.dismissConflict)
}

// ErrorHandler renders application errors as JSON with a status derived from
// the error code.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		message := err.Error()
		appCode := apperrors.CodeOf(err)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		} else {
			code = StatusOf(appCode)
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", err, map[string]interface{}{
				"path": c.Path(),
			})
		}
		_ = c.JSON(code, map[string]interface{}{
			"error": message,
			"code":  appCode,
		})
	}
}

// StatusOf maps an error code to an HTTP status.
func StatusOf(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDependencyBlocked:
		return http.StatusConflict
	case apperrors.ErrSyncPermanent:
		return http.StatusBadGateway
	case apperrors.ErrRequiresConnectivity, apperrors.ErrStorageUnavailable,
		apperrors.ErrSyncOffline, apperrors.ErrSyncTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "fieldops"})
}

func (h *Handler) status(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.client.QueueStats(ctx)
	if err != nil {
		return err
	}
	out := map[string]interface{}{
		"online":  h.client.Online(),
		"storage": h.client.StorageAvailable(),
		"queue":   stats,
	}
	if h.sched != nil {
		out["scheduler"] = h.sched.GetStatus()
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) listProjects(c echo.Context) error {
	company := c.QueryParam("company_id")
	if company == "" {
		return apperrors.New(apperrors.ErrValidation, "company_id is required")
	}
	v, err := h.client.GetProjects(c.Request().Context(), company)
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) getProject(c echo.Context) error {
	v, err := h.client.GetProject(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) followProject(c echo.Context) error {
	if h.follower == nil {
		return apperrors.New(apperrors.ErrStorageUnavailable, "realtime is not available")
	}
	if err := h.follower.Follow(context.WithoutCancel(c.Request().Context()), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listAreas(c echo.Context) error {
	v, err := h.client.GetAreas(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) listTickets(c echo.Context) error {
	v, err := h.client.GetTMTickets(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) getCheckin(c echo.Context) error {
	ci, err := h.client.GetCrewCheckin(c.Request().Context(), c.Param("id"), c.Param("date"))
	if err != nil {
		return err
	}
	if ci == nil {
		return apperrors.New(apperrors.ErrNotFound, "no check-in for "+c.Param("date"))
	}
	return c.JSON(http.StatusOK, ci)
}

func (h *Handler) listReports(c echo.Context) error {
	v, err := h.client.GetDailyReports(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) listMessages(c echo.Context) error {
	v, err := h.client.GetMessages(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) listDisposalLoads(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		return apperrors.New(apperrors.ErrValidation, "date is required")
	}
	v, err := h.client.GetDisposalLoads(c.Request().Context(), c.Param("id"), date)
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) listInjuryReports(c echo.Context) error {
	v, err := h.client.GetInjuryReports(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) updateAreaStatus(c echo.Context) error {
	var req struct {
		Status models.AreaStatus `json:"status"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	v, err := h.client.UpdateAreaStatus(c.Request().Context(), c.Param("id"), req.Status)
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) setAreaBlocker(c echo.Context) error {
	var req struct {
		Blocked bool   `json:"blocked"`
		Note    string `json:"note"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	v, err := h.client.SetAreaBlocker(c.Request().Context(), c.Param("id"), req.Blocked, req.Note)
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) createTicket(c echo.Context) error {
	var t models.TMTicket
	if err := bind(c, &t); err != nil {
		return err
	}
	v, err := h.client.CreateTMTicket(c.Request().Context(), &t)
	return respond(c, http.StatusCreated, v, err)
}

func (h *Handler) getTicket(c echo.Context) error {
	v, err := h.client.GetTMTicket(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) updateTicket(c echo.Context) error {
	// Decoded directly: binding into a map would also copy path params.
	var patch map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err)
	}
	v, err := h.client.UpdateTMTicket(c.Request().Context(), c.Param("id"), patch)
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) addWorker(c echo.Context) error {
	var w models.TMWorker
	if err := bind(c, &w); err != nil {
		return err
	}
	v, err := h.client.AddTicketWorker(c.Request().Context(), c.Param("id"), w)
	return respond(c, http.StatusCreated, v, err)
}

func (h *Handler) uploadPhoto(c echo.Context) error {
	fh, err := c.FormFile("photo")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "photo form file is required", err)
	}
	if fh.Size > maxPhotoBytes {
		return apperrors.New(apperrors.ErrValidation, "photo is too large")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxPhotoBytes))
	if err != nil {
		return err
	}

	ref, err := h.client.UploadTicketPhoto(c.Request().Context(), c.Param("id"), fh.Filename, fh.Header.Get("Content-Type"), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"ref": ref})
}

func (h *Handler) saveCheckin(c echo.Context) error {
	var ci models.CrewCheckin
	if err := bind(c, &ci); err != nil {
		return err
	}
	v, err := h.client.SaveCrewCheckin(c.Request().Context(), &ci)
	return respond(c, http.StatusCreated, v, err)
}

func (h *Handler) saveReport(c echo.Context) error {
	var r models.DailyReport
	if err := bind(c, &r); err != nil {
		return err
	}
	v, err := h.client.SaveDailyReport(c.Request().Context(), &r)
	return respond(c, http.StatusCreated, v, err)
}

func (h *Handler) sendMessage(c echo.Context) error {
	var m models.Message
	if err := bind(c, &m); err != nil {
		return err
	}
	v, err := h.client.SendMessage(c.Request().Context(), &m)
	return respond(c, http.StatusCreated, v, err)
}

func (h *Handler) markRead(c echo.Context) error {
	v, err := h.client.MarkMessageRead(c.Request().Context(), c.Param("id"))
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) addDisposalLoad(c echo.Context) error {
	var l models.DisposalLoad
	if err := bind(c, &l); err != nil {
		return err
	}
	v, err := h.client.AddDisposalLoad(c.Request().Context(), &l)
	return respond(c, http.StatusCreated, v, err)
}

func (h *Handler) deleteDisposalLoad(c echo.Context) error {
	if err := h.client.DeleteDisposalLoad(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) createInjuryReport(c echo.Context) error {
	var r models.InjuryReport
	if err := bind(c, &r); err != nil {
		return err
	}
	v, err := h.client.CreateInjuryReport(c.Request().Context(), &r)
	return respond(c, http.StatusCreated, v, err)
}

func (h *Handler) listQueue(c echo.Context) error {
	v, err := h.client.PendingActions(c.Request().Context())
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) retryQueue(c echo.Context) error {
	n, err := h.client.RetryFailed(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"reset": n})
}

func (h *Handler) discardAction(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid action id", err)
	}
	if err := h.client.DiscardAction(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) syncNow(c echo.Context) error {
	v, err := h.client.SyncNow(c.Request().Context())
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) listConflicts(c echo.Context) error {
	v, err := h.client.Conflicts(c.Request().Context())
	return respond(c, http.StatusOK, v, err)
}

func (h *Handler) dismissConflict(c echo.Context) error {
	coll := models.Collection(c.Param("collection"))
	if err := h.client.DismissConflict(c.Request().Context(), coll, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err)
	}
	return nil
}

// respond renders the result of a façade call.
func respond(c echo.Context, status int, v any, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(status, v)
}
