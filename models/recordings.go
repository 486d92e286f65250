package models

import (
	"fmt"
	"time"
)

// RecordingStatus is the server-side lifecycle of a recording object.
type RecordingStatus string

const (
	RecordingUploading RecordingStatus = "uploading"
	RecordingAvailable RecordingStatus = "available"
)

func ParseRecordingStatus(s string) (RecordingStatus, error) {
	switch RecordingStatus(s) {
	case RecordingUploading, RecordingAvailable:
		return RecordingStatus(s), nil
	default:
		return "", fmt.Errorf("unknown recording status %q", s)
	}
}

// Recording is the metadata row the storage-control service keeps per
// recording. UpdatedAt doubles as an upload heartbeat: every part
// authorization refreshes it.
type Recording struct {
	ID         string          `json:"id"`
	StudioID   string          `json:"studioId"`
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	Type       string          `json:"type"` // "camera" or "screen"
	Status     RecordingStatus `json:"status"`
	StorageKey string          `json:"storageKey"`
	FileSize   int64           `json:"fileSize"`
	Duration   float64         `json:"duration"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    time.Time       `json:"endedAt"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
