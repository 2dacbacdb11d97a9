// Package models provides data model definitions for the FieldOps offline core.
package models

import (
	"encoding/json"
	"fmt"
)

// SyncStatus is the local-only replication state of a cached record.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
)

// Meta carries the local-only fields every cached entity embeds.
// It is stripped from every payload sent to the backend.
type Meta struct {
	SyncStatus SyncStatus `json:"_syncStatus,omitempty"`
}

// SyncState returns the sync status, defaulting to synced.
func (m *Meta) SyncState() SyncStatus {
	if m.SyncStatus == "" {
		return SyncStatusSynced
	}
	return m.SyncStatus
}

// SetSyncState sets the sync status.
func (m *Meta) SetSyncState(s SyncStatus) {
	m.SyncStatus = s
}

// Entity is a record that lives in one local collection.
type Entity interface {
	RecordID() string
	SetRecordID(id string)
	ParentKey() string
	SyncState() SyncStatus
	SetSyncState(s SyncStatus)
}

// EntityPtr constrains generic code to pointer types of entity structs.
type EntityPtr[T any] interface {
	*T
	Entity
}

// Record is the storage shape shared by every collection.
type Record struct {
	ID         string          `db:"id" json:"id"`
	ParentID   string          `db:"parent_id" json:"parent_id"`
	SyncStatus SyncStatus      `db:"sync_status" json:"sync_status"`
	Data       json.RawMessage `db:"-" json:"data"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// ToRecord encodes an entity into its storage shape.
func ToRecord(e Entity) (Record, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s: %w", e.RecordID(), err)
	}
	return Record{
		ID:         e.RecordID(),
		ParentID:   e.ParentKey(),
		SyncStatus: e.SyncState(),
		Data:       data,
	}, nil
}

// FromRecord decodes a stored record into a new entity of type T.
// The status column is authoritative over the status embedded in data.
func FromRecord[T any, P EntityPtr[T]](r Record) (P, error) {
	var v T
	p := P(&v)
	if err := json.Unmarshal(r.Data, p); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", r.ID, err)
	}
	p.SetRecordID(r.ID)
	p.SetSyncState(r.SyncStatus)
	return p, nil
}

// WireFields returns the entity as a field map suitable for the backend.
// Local-only fields and the empty id of not-yet-created records are removed.
func WireFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	delete(fields, "_syncStatus")
	if id, ok := fields["id"].(string); ok && id == "" {
		delete(fields, "id")
	}
	return fields, nil
}

// Decode converts a backend field map into an entity.
func Decode[T any, P EntityPtr[T]](fields map[string]any) (P, error) {
	var v T
	p := P(&v)
	if err := DecodeInto(fields, p); err != nil {
		return nil, err
	}
	p.SetSyncState(SyncStatusSynced)
	return p, nil
}

// DecodeInto converts a backend field map into dst.
func DecodeInto(fields map[string]any, dst any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
