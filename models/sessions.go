package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a locally tracked upload session.
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionUploading SessionStatus = "uploading"
	SessionCompleted SessionStatus = "completed"
)

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionRecording, SessionUploading, SessionCompleted:
		return SessionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown session status %q", s)
	}
}

// RecordingSession is the recovery record for one in-progress upload. It
// exists in the durable log exactly while there is outstanding data for the
// session and is deleted only after storage confirms completion.
//
// The log is keyed by the client-generated SessionID throughout; the
// server-issued RecordingID is an attribute, never a key.
type RecordingSession struct {
	SessionID   string
	UploadID    string // multipart handle; empty until the part-size threshold is crossed
	RecordingID string
	StorageKey  string
	StudioID    string
	UserID      string
	Type        string
	StartedAt   time.Time
	Status      SessionStatus
}

// Context rebuilds the capture context from the persisted session. Recovery
// needs it for sessions that never crossed the multipart threshold.
func (s *RecordingSession) Context() SessionContext {
	return SessionContext{
		StudioID:  s.StudioID,
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Type:      s.Type,
		StartedAt: s.StartedAt,
	}
}

// ChunkStatus tracks local durability bookkeeping for one captured chunk.
type ChunkStatus string

const (
	ChunkPending  ChunkStatus = "pending"
	ChunkUploaded ChunkStatus = "uploaded"
)

// Chunk is one unit of captured media, persisted before any network
// transfer. Chunks ordered by SequenceID concatenate to exactly the captured
// stream. PartNumber is the highest multipart part containing any of the
// chunk's bytes; it is zero until the chunk has been assembled into a part.
type Chunk struct {
	SessionID  string
	SequenceID int64
	PartNumber int32
	Blob       []byte
	Status     ChunkStatus
	ETag       string
}

// PartReceipt is the confirmed (partNumber, etag) pair for one transferred
// part. Receipts are persisted so recovery can rebuild the completion list
// without re-sending confirmed bytes.
type PartReceipt struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}
