package queue

import (
	"encoding/json"
	"sort"

	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

// Operation is the backend call an action replays as.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ActionType is the closed set of queued action kinds.
type ActionType string

const (
	ActionCreateTicket         ActionType = "create-ticket"
	ActionAddTicketWorker      ActionType = "add-ticket-worker"
	ActionUpdateTicket         ActionType = "update-ticket"
	ActionAttachPhotoReference ActionType = "attach-photo-reference"
	ActionUpdateAreaStatus     ActionType = "update-area-status"
	ActionUpdateAreaBlocker    ActionType = "update-area-blocker"
	ActionSaveCheckin          ActionType = "save-checkin"
	ActionSaveDailyReport      ActionType = "save-daily-report"
	ActionSendMessage          ActionType = "send-message"
	ActionMarkMessageRead      ActionType = "mark-message-read"
	ActionAddDisposalLoad      ActionType = "add-disposal-load"
	ActionDeleteDisposalLoad   ActionType = "delete-disposal-load"
	ActionCreateInjuryReport   ActionType = "create-injury-report"
)

// Spec describes how an action type replays.
type Spec struct {
	Op Operation
	// Collection is the remote collection written to.
	Collection models.Collection
	// Local is the collection holding the optimistic record. For nested
	// writes it differs from Collection and the record is the payload parent.
	Local models.Collection
}

// Nested reports whether the optimistic record is the payload's parent.
func (s Spec) Nested() bool {
	return s.Local != s.Collection
}

// Specs is the action registry.
var Specs = map[ActionType]Spec{
	ActionCreateTicket:         {Op: OpInsert, Collection: models.CollectionTMTickets, Local: models.CollectionTMTickets},
	ActionAddTicketWorker:      {Op: OpInsert, Collection: models.CollectionTMWorkers, Local: models.CollectionTMTickets},
	ActionUpdateTicket:         {Op: OpUpdate, Collection: models.CollectionTMTickets, Local: models.CollectionTMTickets},
	ActionAttachPhotoReference: {Op: OpUpdate, Collection: models.CollectionTMTickets, Local: models.CollectionTMTickets},
	ActionUpdateAreaStatus:     {Op: OpUpdate, Collection: models.CollectionAreas, Local: models.CollectionAreas},
	ActionUpdateAreaBlocker:    {Op: OpUpdate, Collection: models.CollectionAreas, Local: models.CollectionAreas},
	ActionSaveCheckin:          {Op: OpInsert, Collection: models.CollectionCrewCheckins, Local: models.CollectionCrewCheckins},
	ActionSaveDailyReport:      {Op: OpInsert, Collection: models.CollectionDailyReports, Local: models.CollectionDailyReports},
	ActionSendMessage:          {Op: OpInsert, Collection: models.CollectionMessages, Local: models.CollectionMessages},
	ActionMarkMessageRead:      {Op: OpUpdate, Collection: models.CollectionMessages, Local: models.CollectionMessages},
	ActionAddDisposalLoad:      {Op: OpInsert, Collection: models.CollectionDisposalLoads, Local: models.CollectionDisposalLoads},
	ActionDeleteDisposalLoad:   {Op: OpDelete, Collection: models.CollectionDisposalLoads, Local: models.CollectionDisposalLoads},
	ActionCreateInjuryReport:   {Op: OpInsert, Collection: models.CollectionInjuryReports, Local: models.CollectionInjuryReports},
}

// Known reports whether t is a registered action type.
func Known(t ActionType) bool {
	_, ok := Specs[t]
	return ok
}

// LocalRecord returns the collection and id of the optimistic record the
// action affects.
func (a *Action) LocalRecord() (models.Collection, string) {
	spec := a.Spec()
	if spec.Nested() {
		return spec.Local, a.Payload.ParentID
	}
	return spec.Local, a.Payload.RecordID
}

// Produces returns the temporary id a create resolves, or "".
func (a *Action) Produces() string {
	if a.Spec().Op == OpInsert && uuid.IsTemp(a.Payload.RecordID) {
		return a.Payload.RecordID
	}
	return ""
}

// Dependencies returns the temporary ids the action references but does not
// produce itself, sorted.
func (a *Action) Dependencies() []string {
	own := a.Produces()
	seen := make(map[string]bool)

	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if t != own && uuid.IsTemp(t) {
				seen[t] = true
			}
		case map[string]any:
			for _, x := range t {
				walk(x)
			}
		case []any:
			for _, x := range t {
				walk(x)
			}
		}
	}

	// Round-trip through JSON so typed values nested in the maps are walked
	// the same way as freshly decoded ones.
	if data, err := json.Marshal(a.Payload); err == nil {
		var v any
		if json.Unmarshal(data, &v) == nil {
			walk(v)
		}
	}

	deps := make([]string, 0, len(seen))
	for id := range seen {
		deps = append(deps, id)
	}
	sort.Strings(deps)
	return deps
}

// Resolve returns a copy of the payload with every mapped temporary id
// replaced by its server id.
func (p Payload) Resolve(ids map[string]string) (Payload, error) {
	if len(ids) == 0 {
		return p, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return p, err
	}

	var sub func(v any) any
	sub = func(v any) any {
		switch t := v.(type) {
		case string:
			if id, ok := ids[t]; ok {
				return id
			}
			return t
		case map[string]any:
			for k, x := range t {
				t[k] = sub(x)
			}
			return t
		case []any:
			for i, x := range t {
				t[i] = sub(x)
			}
			return t
		}
		return v
	}

	data, err = json.Marshal(sub(v))
	if err != nil {
		return p, err
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return p, err
	}
	return out, nil
}
