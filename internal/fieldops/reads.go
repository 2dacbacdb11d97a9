package fieldops

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/cache"
	"github.com/kimhsiao/fieldops/internal/models"
)

func projects(a *cache.Accessors) *cache.Collection[models.Project, *models.Project] {
	return a.Projects
}

func areas(a *cache.Accessors) *cache.Collection[models.Area, *models.Area] {
	return a.Areas
}

func tickets(a *cache.Accessors) *cache.Collection[models.TMTicket, *models.TMTicket] {
	return a.TMTickets
}

func checkins(a *cache.Accessors) *cache.Collection[models.CrewCheckin, *models.CrewCheckin] {
	return a.CrewCheckins
}

func dailyReports(a *cache.Accessors) *cache.Collection[models.DailyReport, *models.DailyReport] {
	return a.DailyReports
}

func messages(a *cache.Accessors) *cache.Collection[models.Message, *models.Message] {
	return a.Messages
}

func disposalLoads(a *cache.Accessors) *cache.Collection[models.DisposalLoad, *models.DisposalLoad] {
	return a.DisposalLoads
}

func injuryReports(a *cache.Accessors) *cache.Collection[models.InjuryReport, *models.InjuryReport] {
	return a.InjuryReports
}

// GetProjects returns the projects of a company.
func (c *Client) GetProjects(ctx context.Context, companyID string) ([]*models.Project, error) {
	return read(ctx, c, projects, companyID, backend.Eq("company_id", companyID), nil, nil)
}

// GetProject returns one project.
func (c *Client) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return readOne(ctx, c, projects, id, nil)
}

// GetAreas returns the work areas of a project, in display order.
func (c *Client) GetAreas(ctx context.Context, projectID string) ([]*models.Area, error) {
	out, err := read(ctx, c, areas, projectID, backend.Eq("project_id", projectID), nil, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].GroupName != out[j].GroupName {
			return out[i].GroupName < out[j].GroupName
		}
		return out[i].SortOrder < out[j].SortOrder
	})
	return out, nil
}

// GetTMTickets returns the T&M tickets of a project with their workers.
func (c *Client) GetTMTickets(ctx context.Context, projectID string) ([]*models.TMTicket, error) {
	out, err := read(ctx, c, tickets, projectID, backend.Eq("project_id", projectID), nil, c.withWorkers)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WorkDate > out[j].WorkDate })
	return out, nil
}

// GetTMTicket returns one ticket with its workers.
func (c *Client) GetTMTicket(ctx context.Context, id string) (*models.TMTicket, error) {
	return readOne(ctx, c, tickets, id, c.withWorkers)
}

// withWorkers loads the remote worker rows of each ticket into it.
func (c *Client) withWorkers(ctx context.Context, ts []*models.TMTicket) error {
	for _, t := range ts {
		rows, err := c.backend.Select(ctx, models.CollectionTMWorkers, backend.Eq("ticket_id", t.ID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		t.Workers = nil
		if err := json.Unmarshal(data, &t.Workers); err != nil {
			return err
		}
	}
	return nil
}

// GetCrewCheckin returns the crew check-in of a project for one day, or nil
// when none was saved.
func (c *Client) GetCrewCheckin(ctx context.Context, projectID, date string) (*models.CrewCheckin, error) {
	onDay := func(ci *models.CrewCheckin) bool { return ci.CheckInDate == date }
	found, err := read(ctx, c, checkins, projectID,
		backend.Eq("project_id", projectID, "check_in_date", date), onDay, nil)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		sort.SliceStable(found, func(i, j int) bool { return found[i].UpdatedAt < found[j].UpdatedAt })
		return found[len(found)-1], nil
	}
	if c.cache == nil {
		return nil, nil
	}

	// The blob holds the last save even when the collection was pruned.
	var ci models.CrewCheckin
	_, ok, err := c.cache.Blobs.Get(ctx, cache.CheckinKey(projectID, date), &ci)
	if err != nil || !ok {
		return nil, err
	}
	return &ci, nil
}

// GetDailyReports returns the daily reports of a project, newest first.
func (c *Client) GetDailyReports(ctx context.Context, projectID string) ([]*models.DailyReport, error) {
	out, err := read(ctx, c, dailyReports, projectID, backend.Eq("project_id", projectID), nil, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReportDate > out[j].ReportDate })
	return out, nil
}

// GetMessages returns the messages of a project, oldest first. Unsent
// messages sort last.
func (c *Client) GetMessages(ctx context.Context, projectID string) ([]*models.Message, error) {
	out, err := read(ctx, c, messages, projectID, backend.Eq("project_id", projectID), nil, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		if (a == "") != (b == "") {
			return b == ""
		}
		return a < b
	})
	return out, nil
}

// GetDisposalLoads returns the haul-off loads of a project for one day.
func (c *Client) GetDisposalLoads(ctx context.Context, projectID, date string) ([]*models.DisposalLoad, error) {
	onDay := func(l *models.DisposalLoad) bool { return l.WorkDate == date }
	return read(ctx, c, disposalLoads, projectID,
		backend.Eq("project_id", projectID, "work_date", date), onDay, nil)
}

// GetInjuryReports returns the injury reports of a project.
func (c *Client) GetInjuryReports(ctx context.Context, projectID string) ([]*models.InjuryReport, error) {
	return read(ctx, c, injuryReports, projectID, backend.Eq("project_id", projectID), nil, nil)
}
