package models

// Project is a job site managed by the office team.
type Project struct {
	Meta
	ID        string `json:"id"`
	CompanyID string `json:"company_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	JobNumber string `json:"job_number,omitempty"`
	Address   string `json:"address,omitempty"`
	Status    string `json:"status,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (p *Project) RecordID() string      { return p.ID }
func (p *Project) SetRecordID(id string) { p.ID = id }
func (p *Project) ParentKey() string     { return p.CompanyID }

// AreaStatus is the progress state of a work area.
type AreaStatus string

const (
	AreaStatusNotStarted AreaStatus = "not_started"
	AreaStatusWorking    AreaStatus = "working"
	AreaStatusDone       AreaStatus = "done"
)

// Area is a unit of work inside a project (floor, room, zone).
type Area struct {
	Meta
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id" validate:"required"`
	Name        string     `json:"name" validate:"required"`
	Status      AreaStatus `json:"status" validate:"omitempty,oneof=not_started working done"`
	GroupName   string     `json:"group_name,omitempty"`
	SortOrder   int        `json:"sort_order"`
	Blocked     bool       `json:"blocked"`
	BlockerNote string     `json:"blocker_note,omitempty"`
	UpdatedAt   string     `json:"updated_at,omitempty"`
}

func (a *Area) RecordID() string      { return a.ID }
func (a *Area) SetRecordID(id string) { a.ID = id }
func (a *Area) ParentKey() string     { return a.ProjectID }

// ValidAreaStatus reports whether s is a known area status.
func ValidAreaStatus(s AreaStatus) bool {
	switch s {
	case AreaStatusNotStarted, AreaStatusWorking, AreaStatusDone:
		return true
	}
	return false
}
