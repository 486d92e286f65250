package models

import "time"

// Actions accepted by POST /api/upload.
const (
	ActionInit     = "INIT"
	ActionPart     = "PART"
	ActionComplete = "COMPLETE"
)

// UploadControlRequest is the envelope for all /api/upload actions. Fields
// are a union; each action validates the subset it needs.
type UploadControlRequest struct {
	Action string `json:"action"`

	// INIT
	StudioID  string    `json:"studioId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Type      string    `json:"type,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`

	// PART / COMPLETE
	UploadID    string        `json:"uploadId,omitempty"`
	StorageKey  string        `json:"storageKey,omitempty"`
	PartNumber  int32         `json:"partNumber,omitempty"`
	RecordingID string        `json:"recordingId,omitempty"`
	Parts       []PartReceipt `json:"parts,omitempty"`
	EndedAt     time.Time     `json:"endedAt,omitzero"`
	Duration    float64       `json:"duration,omitempty"`
}

type InitUploadResponse struct {
	UploadID    string `json:"uploadId"`
	RecordingID string `json:"recordingId"`
	StorageKey  string `json:"storageKey"`
}

type PartAuthorizationResponse struct {
	SignedURL string `json:"signedUrl"`
}

type CompleteUploadResponse struct {
	Location string `json:"location"`
	FileSize int64  `json:"fileSize"`
}

type SingleShotResponse struct {
	Location string `json:"location"`
	FileSize int64  `json:"fileSize"`
}

type DownloadResponse struct {
	URL string `json:"url"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
