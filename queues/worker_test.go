package queues

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/services"
	"github.com/seashore/seashore-services-uploads/store"
)

type fakeControl struct {
	mu sync.Mutex

	initCalls       int
	completedParts  []models.PartReceipt
	singleShotBody  []byte
	singleShotCalls int
}

func (f *fakeControl) Init(ctx context.Context, sc models.SessionContext) (*models.InitUploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return &models.InitUploadResponse{
		UploadID:    "upload-1",
		RecordingID: "rec-1",
		StorageKey:  sc.StudioID + "/" + sc.SessionID + "/rec-1.webm",
	}, nil
}

func (f *fakeControl) AuthorizePart(ctx context.Context, uploadID, storageKey string, partNumber int32, recordingID string) (string, error) {
	return fmt.Sprintf("https://parts.test/%s/%d", uploadID, partNumber), nil
}

func (f *fakeControl) Complete(ctx context.Context, uploadID, storageKey string, parts []models.PartReceipt, recordingID string, endedAt time.Time, duration float64) (*models.CompleteUploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedParts = append([]models.PartReceipt(nil), parts...)
	return &models.CompleteUploadResponse{Location: "https://media.test/" + storageKey}, nil
}

func (f *fakeControl) SingleShot(ctx context.Context, sc models.SessionContext, recordingID string, body []byte, endedAt time.Time, duration float64) (*models.SingleShotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleShotCalls++
	f.singleShotBody = append([]byte(nil), body...)
	return &models.SingleShotResponse{Location: "https://media.test/single"}, nil
}

type fakeTransfer struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func (f *fakeTransfer) Put(ctx context.Context, signedURL string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = map[string][]byte{}
	}
	f.bodies[signedURL] = append([]byte(nil), body...)
	return fmt.Sprintf("etag-%d", len(f.bodies)), nil
}

func newTestWorker(t *testing.T, partSize int64) (*UploadWorkerImpl, *fakeControl, *fakeTransfer, store.UploadLog) {
	t.Helper()

	log, err := store.NewSqliteUploadLogImpl(filepath.Join(t.TempDir(), "uploads.db"), logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	control := &fakeControl{}
	transfer := &fakeTransfer{}

	cfg := services.OrchestratorConfig{
		PartSize:       partSize,
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	}
	w := NewUploadWorkerImpl(context.Background(), cfg, log, control, transfer, logging.NewNopLogger())
	w.Start()
	return w, control, transfer, log
}

func testSessionContext() models.SessionContext {
	return models.SessionContext{
		StudioID:  "studio-1",
		SessionID: "session-1",
		UserID:    "user-1",
		Type:      "camera",
		StartedAt: time.Now().UTC(),
	}
}

func collectUntil(t *testing.T, events <-chan models.Event, terminal models.EventType) []models.Event {
	t.Helper()
	var got []models.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			got = append(got, evt)
			if evt.Type == terminal || evt.Type == models.EventError {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, saw %v", terminal, got)
		}
	}
}

func TestWorkerMultipartLifecycle(t *testing.T) {
	w, control, transfer, log := newTestWorker(t, 1024)

	require.NoError(t, w.Init(testSessionContext()))

	var want bytes.Buffer
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 600)
		want.Write(chunk)
		require.NoError(t, w.AddChunk(chunk))
	}
	require.NoError(t, w.Finalize(time.Now().UTC(), 12.5))

	events := collectUntil(t, w.Events(), models.EventUploadComplete)

	var kinds []models.EventType
	for _, evt := range events {
		kinds = append(kinds, evt.Type)
	}
	assert.Equal(t, models.EventInitialized, kinds[0])
	assert.Equal(t, models.EventUploadComplete, kinds[len(kinds)-1])

	parts := 0
	for _, evt := range events {
		if evt.Type == models.EventPartUploaded {
			parts++
		}
	}
	// 3000 bytes at 1024 per part: two full parts plus the remainder
	assert.Equal(t, 3, parts)

	control.mu.Lock()
	assert.Equal(t, 1, control.initCalls)
	require.Len(t, control.completedParts, 3)
	numbers := make([]int32, 0, len(control.completedParts))
	for _, p := range control.completedParts {
		numbers = append(numbers, p.PartNumber)
	}
	assert.True(t, sort.SliceIsSorted(numbers, func(i, j int) bool { return numbers[i] < numbers[j] }))
	control.mu.Unlock()

	// parts must stitch back to the exact recorded bytes
	transfer.mu.Lock()
	stitched := make([]byte, 0, want.Len())
	for part := 1; part <= 3; part++ {
		stitched = append(stitched, transfer.bodies[fmt.Sprintf("https://parts.test/upload-1/%d", part)]...)
	}
	transfer.mu.Unlock()
	assert.Equal(t, want.Bytes(), stitched)

	// completed session leaves no recovery state behind
	_, err := log.GetSession(context.Background(), "session-1")
	assert.Error(t, err)

	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWorkerSingleShotBelowThreshold(t *testing.T) {
	w, control, _, _ := newTestWorker(t, 1024*1024)

	require.NoError(t, w.Init(testSessionContext()))
	chunk := bytes.Repeat([]byte{0x42}, 2048)
	require.NoError(t, w.AddChunk(chunk))
	require.NoError(t, w.Finalize(time.Now().UTC(), 3.0))

	events := collectUntil(t, w.Events(), models.EventUploadComplete)

	for _, evt := range events {
		assert.NotEqual(t, models.EventInitialized, evt.Type, "small session must not start a multipart upload")
		assert.NotEqual(t, models.EventPartUploaded, evt.Type)
	}

	control.mu.Lock()
	assert.Equal(t, 0, control.initCalls)
	assert.Equal(t, 1, control.singleShotCalls)
	assert.Equal(t, chunk, control.singleShotBody)
	control.mu.Unlock()

	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWorkerChunkOrderIsSubmissionOrder(t *testing.T) {
	w, control, _, _ := newTestWorker(t, 1024*1024)

	require.NoError(t, w.Init(testSessionContext()))

	var want bytes.Buffer
	for i := 0; i < 20; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%02d|", i))
		want.Write(chunk)
		require.NoError(t, w.AddChunk(chunk))
	}
	require.NoError(t, w.Finalize(time.Now().UTC(), 1.0))

	collectUntil(t, w.Events(), models.EventUploadComplete)

	control.mu.Lock()
	assert.Equal(t, want.Bytes(), control.singleShotBody)
	control.mu.Unlock()

	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWorkerRejectsCommandsAfterShutdown(t *testing.T) {
	w, _, _, _ := newTestWorker(t, 1024)
	require.NoError(t, w.Shutdown(context.Background()))

	assert.ErrorIs(t, w.Init(testSessionContext()), ErrWorkerClosed)
	assert.ErrorIs(t, w.AddChunk([]byte("late")), ErrWorkerClosed)
	assert.ErrorIs(t, w.Finalize(time.Now(), 0), ErrWorkerClosed)

	// idempotent
	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWorkerEmptyChunksIgnored(t *testing.T) {
	w, control, _, _ := newTestWorker(t, 1024*1024)

	require.NoError(t, w.Init(testSessionContext()))
	require.NoError(t, w.AddChunk(nil))
	require.NoError(t, w.AddChunk([]byte("data")))
	require.NoError(t, w.Finalize(time.Now().UTC(), 0.5))

	collectUntil(t, w.Events(), models.EventUploadComplete)

	control.mu.Lock()
	assert.Equal(t, []byte("data"), control.singleShotBody)
	control.mu.Unlock()

	require.NoError(t, w.Shutdown(context.Background()))
}
