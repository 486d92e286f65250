package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seashore/seashore-services-uploads/apperror"
	"github.com/seashore/seashore-services-uploads/models"
)

func newRecordingStore(t *testing.T) *SqliteRecordingStoreImpl {
	t.Helper()
	s, err := NewSqliteRecordingStoreImpl(filepath.Join(t.TempDir(), "recordings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecording(id, studioID string) models.Recording {
	return models.Recording{
		ID:        id,
		StudioID:  studioID,
		SessionID: "session-1",
		UserID:    "user-1",
		Type:      "camera",
		Status:    models.RecordingUploading,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestRecordingStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRecordingStore(t)

	rec := sampleRecording("rec-1", "studio-1")
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "studio-1", got.StudioID)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, models.RecordingUploading, got.Status)
	assert.Equal(t, rec.StartedAt, got.StartedAt)
	assert.True(t, got.EndedAt.IsZero())
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRecordingStoreGetMissing(t *testing.T) {
	s := newRecordingStore(t)
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperror.ErrRecordingNotFound)
}

func TestRecordingStoreMarkAvailable(t *testing.T) {
	ctx := context.Background()
	s := newRecordingStore(t)

	require.NoError(t, s.Create(ctx, sampleRecording("rec-1", "studio-1")))

	ended := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.MarkAvailable(ctx, "rec-1", "studio-1/session-1/rec-1.webm", 123456, 42.5, ended))

	got, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingAvailable, got.Status)
	assert.Equal(t, "studio-1/session-1/rec-1.webm", got.StorageKey)
	assert.Equal(t, int64(123456), got.FileSize)
	assert.Equal(t, 42.5, got.Duration)
	assert.Equal(t, ended, got.EndedAt)

	assert.ErrorIs(t, s.MarkAvailable(ctx, "ghost", "k", 0, 0, ended), apperror.ErrRecordingNotFound)
}

func TestRecordingStoreHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := newRecordingStore(t)

	require.NoError(t, s.Create(ctx, sampleRecording("rec-1", "studio-1")))
	before, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, "rec-1"))

	after, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	assert.ErrorIs(t, s.Heartbeat(ctx, "ghost"), apperror.ErrRecordingNotFound)
}

func TestRecordingStoreListByStudio(t *testing.T) {
	ctx := context.Background()
	s := newRecordingStore(t)

	require.NoError(t, s.Create(ctx, sampleRecording("rec-1", "studio-1")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Create(ctx, sampleRecording("rec-2", "studio-1")))
	require.NoError(t, s.Create(ctx, sampleRecording("rec-3", "studio-2")))

	recs, err := s.ListByStudio(ctx, "studio-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// newest first
	assert.Equal(t, "rec-2", recs[0].ID)
	assert.Equal(t, "rec-1", recs[1].ID)

	recs, err = s.ListByStudio(ctx, "studio-3")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
