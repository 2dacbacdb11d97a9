package models

// CrewMember is one worker on a crew check-in.
type CrewMember struct {
	Name string `json:"name" validate:"required"`
	Role string `json:"role,omitempty"`
}

// CrewCheckin records who is on site for a project on a given day.
type CrewCheckin struct {
	Meta
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id" validate:"required"`
	CheckInDate string       `json:"check_in_date" validate:"required,datetime=2006-01-02"`
	Workers     []CrewMember `json:"workers" validate:"dive"`
	CreatedBy   string       `json:"created_by,omitempty"`
	ClientRef   string       `json:"client_ref,omitempty"`
	UpdatedAt   string       `json:"updated_at,omitempty"`
}

func (c *CrewCheckin) RecordID() string      { return c.ID }
func (c *CrewCheckin) SetRecordID(id string) { c.ID = id }
func (c *CrewCheckin) ParentKey() string     { return c.ProjectID }

// DailyReport is the foreman's end-of-day summary.
type DailyReport struct {
	Meta
	ID             string `json:"id"`
	ProjectID      string `json:"project_id" validate:"required"`
	ReportDate     string `json:"report_date" validate:"required,datetime=2006-01-02"`
	CrewCount      int    `json:"crew_count" validate:"gte=0"`
	TasksCompleted int    `json:"tasks_completed" validate:"gte=0"`
	Weather        string `json:"weather,omitempty"`
	Notes          string `json:"notes,omitempty"`
	Status         string `json:"status,omitempty"`
	ClientRef      string `json:"client_ref,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

func (d *DailyReport) RecordID() string      { return d.ID }
func (d *DailyReport) SetRecordID(id string) { d.ID = id }
func (d *DailyReport) ParentKey() string     { return d.ProjectID }

// Message is a project-scoped note between field and office.
type Message struct {
	Meta
	ID         string `json:"id"`
	ProjectID  string `json:"project_id" validate:"required"`
	SenderName string `json:"sender_name" validate:"required"`
	SenderType string `json:"sender_type" validate:"omitempty,oneof=field office"`
	Body       string `json:"body" validate:"required"`
	ReadAt     string `json:"read_at,omitempty"`
	ClientRef  string `json:"client_ref,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

func (m *Message) RecordID() string      { return m.ID }
func (m *Message) SetRecordID(id string) { m.ID = id }
func (m *Message) ParentKey() string     { return m.ProjectID }

// DisposalLoad counts haul-off loads of one type for a day.
type DisposalLoad struct {
	Meta
	ID        string `json:"id"`
	ProjectID string `json:"project_id" validate:"required"`
	WorkDate  string `json:"work_date" validate:"required,datetime=2006-01-02"`
	LoadType  string `json:"load_type" validate:"required"`
	LoadCount int    `json:"load_count" validate:"gte=1"`
	ClientRef string `json:"client_ref,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (d *DisposalLoad) RecordID() string      { return d.ID }
func (d *DisposalLoad) SetRecordID(id string) { d.ID = id }
func (d *DisposalLoad) ParentKey() string     { return d.ProjectID }

// InjuryReport records a jobsite incident.
type InjuryReport struct {
	Meta
	ID           string `json:"id"`
	ProjectID    string `json:"project_id" validate:"required"`
	IncidentDate string `json:"incident_date" validate:"required,datetime=2006-01-02"`
	EmployeeName string `json:"employee_name" validate:"required"`
	Description  string `json:"description" validate:"required"`
	Severity     string `json:"severity" validate:"omitempty,oneof=minor moderate serious"`
	ClientRef    string `json:"client_ref,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

func (i *InjuryReport) RecordID() string      { return i.ID }
func (i *InjuryReport) SetRecordID(id string) { i.ID = id }
func (i *InjuryReport) ParentKey() string     { return i.ProjectID }
