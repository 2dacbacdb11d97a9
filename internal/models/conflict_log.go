package models

import "time"

// ConflictLog records a remote change that arrived while the local copy had
// unsynced edits.
type ConflictLog struct {
	Collection      Collection `json:"collection"`
	RecordID        string     `json:"record_id"`
	ChangeType      string     `json:"change_type"`
	LocalStatus     SyncStatus `json:"local_status"`
	RemoteTimestamp string     `json:"remote_timestamp,omitempty"`
	Resolution      string     `json:"resolution"`
	DetectedAt      int64      `json:"detected_at"`
}

// BlobKey returns the cache blob key the log entry is stored under.
func (c *ConflictLog) BlobKey() string {
	return "conflict:" + string(c.Collection) + ":" + c.RecordID
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
