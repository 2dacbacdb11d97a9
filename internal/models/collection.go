package models

// Collection names a local record collection. It doubles as the remote
// table name.
type Collection string

const (
	CollectionProjects      Collection = "projects"
	CollectionAreas         Collection = "areas"
	CollectionCrewCheckins  Collection = "crew_checkins"
	CollectionTMTickets     Collection = "tm_tickets"
	CollectionDailyReports  Collection = "daily_reports"
	CollectionMessages      Collection = "messages"
	CollectionDisposalLoads Collection = "disposal_loads"
	CollectionInjuryReports Collection = "injury_reports"

	// CollectionTMWorkers exists remotely only; workers are nested in the
	// cached ticket.
	CollectionTMWorkers Collection = "tm_workers"
)

// LocalCollections lists every collection backed by a local table.
var LocalCollections = []Collection{
	CollectionProjects,
	CollectionAreas,
	CollectionCrewCheckins,
	CollectionTMTickets,
	CollectionDailyReports,
	CollectionMessages,
	CollectionDisposalLoads,
	CollectionInjuryReports,
}

var parentFields = map[Collection]string{
	CollectionProjects:      "company_id",
	CollectionAreas:         "project_id",
	CollectionCrewCheckins:  "project_id",
	CollectionTMTickets:     "project_id",
	CollectionDailyReports:  "project_id",
	CollectionMessages:      "project_id",
	CollectionDisposalLoads: "project_id",
	CollectionInjuryReports: "project_id",
	CollectionTMWorkers:     "ticket_id",
}

// ParentField returns the remote column that holds the parent id.
func (c Collection) ParentField() string {
	return parentFields[c]
}

// IsLocal reports whether the collection has a local table.
func (c Collection) IsLocal() bool {
	for _, l := range LocalCollections {
		if l == c {
			return true
		}
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}
