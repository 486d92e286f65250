package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seashore/seashore-services-uploads/apperror"
	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/store"
)

// seedCrashedSession writes a session into the log as a crashed run would
// have left it: every chunk persisted, the first confirmedParts parts of
// size partSize already uploaded and receipted.
func seedCrashedSession(t *testing.T, log store.UploadLog, sessionID string, chunks [][]byte, partSize int64, confirmedParts int) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, log.PutSession(ctx, models.RecordingSession{
		SessionID: sessionID,
		StudioID:  "studio-1",
		UserID:    "user-1",
		Type:      "camera",
		StartedAt: time.Now().UTC().Add(-time.Minute),
		Status:    models.SessionRecording,
	}))

	for i, c := range chunks {
		require.NoError(t, log.AppendChunk(ctx, sessionID, int64(i+1), c))
	}

	if confirmedParts > 0 {
		require.NoError(t, log.SetUploadInfo(ctx, sessionID, "upload-"+sessionID, "rec-"+sessionID, "studio-1/"+sessionID+"/rec.webm"))

		// regenerate the part boundaries the crashed run produced
		a := NewPartAssembler()
		for i, c := range chunks {
			require.NoError(t, a.Push(int64(i+1), c))
		}
		for n := 1; n <= confirmedParts; n++ {
			part, ok := a.TryEmitPart(partSize)
			require.True(t, ok, "seed expects at least %d full parts", confirmedParts)
			receipt := models.PartReceipt{PartNumber: int32(n), ETag: fmt.Sprintf("seed-etag-%d", n)}
			require.NoError(t, log.MarkPartUploaded(ctx, sessionID, receipt, part.CompletedSequenceIDs))
		}
	}
}

func TestRecoverSessionSkipsConfirmedParts(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	control := &stubControl{}
	transfer := &stubTransfer{}
	sink := &eventSink{}

	// ten 600-byte chunks, 1024-byte parts: five full parts +remainder;
	// the crashed run confirmed the first three
	var chunks [][]byte
	for i := 0; i < 10; i++ {
		chunks = append(chunks, bytes.Repeat([]byte{byte(i + 1)}, 600))
	}
	seedCrashedSession(t, log, "session-1", chunks, 1024, 3)

	engine := NewRecoveryEngine(testCfg(1024), log, control, transfer, logging.NewNopLogger(), sink.emit)
	require.NoError(t, engine.RecoverSession(ctx, "session-1"))

	// only parts 4, 5 and the remainder moved over the network
	assert.Equal(t, 3, transfer.totalPuts())
	for _, n := range []int{1, 2, 3} {
		assert.Zero(t, transfer.puts[fmt.Sprintf("https://parts.test/%d", n)], "part %d was already confirmed", n)
	}

	require.Len(t, control.completedParts, 6)
	assert.Equal(t, "seed-etag-1", control.completedParts[0].ETag)
	assert.Equal(t, "seed-etag-3", control.completedParts[2].ETag)
	for i, p := range control.completedParts {
		assert.Equal(t, int32(i+1), p.PartNumber)
	}

	_, err := log.GetSession(ctx, "session-1")
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)

	assert.Len(t, sink.ofType(models.EventUploadComplete), 1)
}

func TestRecoverSessionNeverInitialized(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	control := &stubControl{}
	transfer := &stubTransfer{}

	// crash before the multipart threshold: chunks in the log, no uploadID
	seedCrashedSession(t, log, "session-1", [][]byte{
		bytes.Repeat([]byte{1}, 300),
		bytes.Repeat([]byte{2}, 300),
	}, 1024*1024, 0)

	engine := NewRecoveryEngine(testCfg(1024*1024), log, control, transfer, logging.NewNopLogger(), nil)
	require.NoError(t, engine.RecoverSession(ctx, "session-1"))

	// below threshold even on replay: single-shot, no multipart
	assert.Equal(t, 0, control.initCalls)
	assert.Equal(t, 1, control.singleShotCalls)
	assert.Len(t, control.singleShotBody, 600)
}

func TestRecoverSessionMissing(t *testing.T) {
	engine := NewRecoveryEngine(testCfg(1024), newTestLog(t), &stubControl{}, &stubTransfer{}, logging.NewNopLogger(), nil)
	err := engine.RecoverSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperror.ErrRecoveryDataMissing)
}

func TestRecoverAllDropsEmptySessions(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	require.NoError(t, log.PutSession(ctx, models.RecordingSession{
		SessionID: "empty-1",
		StudioID:  "studio-1",
		UserID:    "user-1",
		Status:    models.SessionRecording,
	}))

	engine := NewRecoveryEngine(testCfg(1024), log, &stubControl{}, &stubTransfer{}, logging.NewNopLogger(), nil)
	require.NoError(t, engine.RecoverAll(ctx))

	pending, err := log.ListPendingSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverAllOneFailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	transfer := &stubTransfer{}

	// session-a fails its single-shot; session-b succeeds
	seedCrashedSession(t, log, "session-a", [][]byte{bytes.Repeat([]byte{1}, 100)}, 1024*1024, 0)
	seedCrashedSession(t, log, "session-b", [][]byte{bytes.Repeat([]byte{2}, 100)}, 1024*1024, 0)

	control := &stubControl{singleShotErr: errors.New("storage down")}
	failingEngine := NewRecoveryEngine(testCfg(1024*1024), log, control, transfer, logging.NewNopLogger(), nil)
	err := failingEngine.RecoverAll(ctx)
	require.Error(t, err)

	// both sessions were attempted and both remain pending
	assert.Equal(t, 2, control.singleShotCalls)
	pending, lerr := log.ListPendingSessions(ctx)
	require.NoError(t, lerr)
	assert.Len(t, pending, 2)

	// a later pass with the backend restored finishes both
	healthy := NewRecoveryEngine(testCfg(1024*1024), log, &stubControl{}, transfer, logging.NewNopLogger(), nil)
	require.NoError(t, healthy.RecoverAll(ctx))

	pending, lerr = log.ListPendingSessions(ctx)
	require.NoError(t, lerr)
	assert.Empty(t, pending)
}
