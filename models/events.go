package models

import "time"

// SessionContext identifies who is recording what. It is sent verbatim to
// the storage-control API on INIT and on single-shot uploads.
type SessionContext struct {
	StudioID  string
	SessionID string
	UserID    string
	Type      string
	StartedAt time.Time
}

// EventType enumerates the asynchronous status events the worker emits to
// its host.
type EventType string

const (
	EventInitialized    EventType = "INIT_SUCCESS"
	EventPartUploaded   EventType = "PART_UPLOADED"
	EventUploadComplete EventType = "UPLOAD_COMPLETE"
	EventError          EventType = "ERROR"
)

// Event is one asynchronous notification from the upload worker.
type Event struct {
	Type        EventType
	SessionID   string
	UploadID    string
	RecordingID string
	StorageKey  string
	PartNumber  int32
	Location    string
	Message     string
}
