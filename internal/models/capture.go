package models

import "time"

// SyncState is the lifecycle state of an outbox row.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSynced  SyncState = "synced"
	SyncStateMissing SyncState = "missing"
)

// OutboxRow represents one capture waiting to be uploaded.
type OutboxRow struct {
	ID            int64      `json:"id"`
	CaptureID     string     `json:"capture_id"`
	TimestampUTC  string     `json:"timestamp_utc"`
	CameraID      string     `json:"camera_id"`
	Count         int        `json:"count"`
	MetaJSON      string     `json:"meta_json,omitempty"`
	RawPath       string     `json:"raw_path"`
	AnnotatedPath *string    `json:"annotated_path"`
	SyncState     SyncState  `json:"sync_state"`
	MissingFiles  bool       `json:"missing_files"`
	CreatedAt     time.Time  `json:"created_at"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// HasAnnotated reports whether an annotated frame was recorded for the row.
func (r OutboxRow) HasAnnotated() bool {
	return r.AnnotatedPath != nil && *r.AnnotatedPath != ""
}
