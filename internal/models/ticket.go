package models

// TMWorker is a labor line on a time-and-materials ticket.
type TMWorker struct {
	ID        string  `json:"id,omitempty"`
	TicketID  string  `json:"ticket_id,omitempty"`
	Name      string  `json:"name" validate:"required"`
	Role      string  `json:"role,omitempty"`
	Hours     float64 `json:"hours" validate:"gte=0"`
	ClientRef string  `json:"client_ref,omitempty"`
}

// TMItem is a material or equipment line on a ticket.
type TMItem struct {
	Description string  `json:"description" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"gt=0"`
	Unit        string  `json:"unit,omitempty"`
}

// TMTicket is a time-and-materials ticket for extra work.
type TMTicket struct {
	Meta
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id" validate:"required"`
	WorkDate  string     `json:"work_date" validate:"required,datetime=2006-01-02"`
	CENumber  string     `json:"ce_number,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	Status    string     `json:"status,omitempty"`
	Workers   []TMWorker `json:"workers,omitempty" validate:"dive"`
	Items     []TMItem   `json:"items,omitempty" validate:"dive"`
	Photos    []string   `json:"photos,omitempty"`
	ClientRef string     `json:"client_ref,omitempty"`
	UpdatedAt string     `json:"updated_at,omitempty"`
}

func (t *TMTicket) RecordID() string      { return t.ID }
func (t *TMTicket) SetRecordID(id string) { t.ID = id }
func (t *TMTicket) ParentKey() string     { return t.ProjectID }

// TicketStatus values used by the field app.
const (
	TicketStatusDraft     = "draft"
	TicketStatusSubmitted = "submitted"
)
