package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seashore/seashore-services-uploads/caching"
	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/store"
)

type stubStorage struct {
	mu sync.Mutex

	objects map[string][]byte

	createCalls   int
	completeCalls int
	presignCalls  int

	assembledSize int64
}

func newStubStorage() *stubStorage {
	return &stubStorage{objects: map[string][]byte{}}
}

func (s *stubStorage) CreateMultipartUpload(ctx context.Context, key string, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	return "upload-1", nil
}

func (s *stubStorage) PresignUploadPart(ctx context.Context, key string, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.test/%s/%d", uploadID, partNumber), nil
}

func (s *stubStorage) CompleteMultipartUpload(ctx context.Context, key string, uploadID string, parts []models.PartReceipt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	s.objects[key] = make([]byte, s.assembledSize)
	return "https://media.test/" + key, nil
}

func (s *stubStorage) AbortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	return nil
}

func (s *stubStorage) AbortStaleMultipartUploads(ctx context.Context, prefix string, olderThan time.Duration) error {
	return nil
}

func (s *stubStorage) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), body...)
	return nil
}

func (s *stubStorage) ObjectSize(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	if !ok {
		return 0, fmt.Errorf("object %s not found", key)
	}
	return int64(len(body)), nil
}

func (s *stubStorage) ObjectExists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *stubStorage) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presignCalls++
	return "https://signed.test/download/" + key, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return "", caching.ErrCacheMiss
	}
	return v, nil
}

func (c *memCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]string{}
	}
	c.entries[key] = value
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func newRecordingService(t *testing.T) (*RecordingServiceImpl, *stubStorage, store.RecordingStore) {
	t.Helper()
	recordings, err := store.NewSqliteRecordingStoreImpl(filepath.Join(t.TempDir(), "recordings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recordings.Close() })

	storage := newStubStorage()
	svc := NewRecordingServiceImpl(recordings, storage, &memCache{}, logging.NewNopLogger())
	return svc, storage, recordings
}

func TestInitUploadCreatesRecordingAndMultipart(t *testing.T) {
	ctx := context.Background()
	svc, storage, recordings := newRecordingService(t)

	resp, err := svc.InitUpload(ctx, testCtx())
	require.NoError(t, err)
	assert.Equal(t, "upload-1", resp.UploadID)
	assert.NotEmpty(t, resp.RecordingID)
	assert.Equal(t,
		fmt.Sprintf("studio-1/session-1/user-1/%s.webm", resp.RecordingID),
		resp.StorageKey)
	assert.Equal(t, 1, storage.createCalls)

	rec, err := recordings.Get(ctx, resp.RecordingID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingUploading, rec.Status)
	assert.Equal(t, "studio-1", rec.StudioID)
}

func TestInitUploadValidates(t *testing.T) {
	svc, _, _ := newRecordingService(t)
	_, err := svc.InitUpload(context.Background(), models.SessionContext{StudioID: "studio-1"})
	assert.Error(t, err)
}

func TestAuthorizePartHeartbeats(t *testing.T) {
	ctx := context.Background()
	svc, _, recordings := newRecordingService(t)

	resp, err := svc.InitUpload(ctx, testCtx())
	require.NoError(t, err)

	before, err := recordings.Get(ctx, resp.RecordingID)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	url, err := svc.AuthorizePart(ctx, resp.UploadID, resp.StorageKey, 7, resp.RecordingID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.test/upload-1/7", url)

	after, err := recordings.Get(ctx, resp.RecordingID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestAuthorizePartUnknownRecording(t *testing.T) {
	svc, _, _ := newRecordingService(t)
	_, err := svc.AuthorizePart(context.Background(), "upload-1", "key", 1, "ghost", time.Minute)
	assert.Error(t, err)
}

func TestCompleteUploadMarksAvailable(t *testing.T) {
	ctx := context.Background()
	svc, storage, recordings := newRecordingService(t)
	storage.assembledSize = 99999

	resp, err := svc.InitUpload(ctx, testCtx())
	require.NoError(t, err)

	parts := []models.PartReceipt{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}}
	ended := time.Now().UTC().Truncate(time.Millisecond)
	out, err := svc.CompleteUpload(ctx, resp.UploadID, resp.StorageKey, parts, resp.RecordingID, ended, 55.5)
	require.NoError(t, err)
	assert.Equal(t, 1, storage.completeCalls)
	assert.Equal(t, int64(99999), out.FileSize)

	rec, err := recordings.Get(ctx, resp.RecordingID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingAvailable, rec.Status)
	assert.Equal(t, int64(99999), rec.FileSize)
	assert.Equal(t, 55.5, rec.Duration)
	assert.Equal(t, ended, rec.EndedAt)
}

func TestCompleteUploadIdempotentRetry(t *testing.T) {
	ctx := context.Background()
	svc, storage, _ := newRecordingService(t)
	storage.assembledSize = 4096

	resp, err := svc.InitUpload(ctx, testCtx())
	require.NoError(t, err)

	parts := []models.PartReceipt{{PartNumber: 1, ETag: "a"}}
	_, err = svc.CompleteUpload(ctx, resp.UploadID, resp.StorageKey, parts, resp.RecordingID, time.Time{}, 0)
	require.NoError(t, err)

	// retried completion finds the object assembled and must not fail
	out, err := svc.CompleteUpload(ctx, resp.UploadID, resp.StorageKey, parts, resp.RecordingID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, storage.completeCalls, "assembly must not run twice")
	assert.Equal(t, int64(4096), out.FileSize)
}

func TestSingleShotUploadCreatesRecording(t *testing.T) {
	ctx := context.Background()
	svc, storage, recordings := newRecordingService(t)

	body := []byte("short clip")
	out, err := svc.SingleShotUpload(ctx, testCtx(), "", body, time.Now().UTC(), 2.5)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), out.FileSize)

	recs, err := recordings.ListByStudio(ctx, "studio-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.RecordingAvailable, recs[0].Status)
	assert.Equal(t, body, storage.objects[recs[0].StorageKey])
}

func TestDownloadURLRequiresAvailable(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newRecordingService(t)

	resp, err := svc.InitUpload(ctx, testCtx())
	require.NoError(t, err)

	_, err = svc.DownloadURL(ctx, resp.RecordingID, time.Minute)
	assert.Error(t, err, "still uploading")
}

func TestDownloadURLCached(t *testing.T) {
	ctx := context.Background()
	svc, storage, _ := newRecordingService(t)

	out, err := svc.SingleShotUpload(ctx, testCtx(), "", []byte("clip"), time.Now().UTC(), 1)
	require.NoError(t, err)

	recs, err := svc.ListByStudio(ctx, "studio-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	url1, err := svc.DownloadURL(ctx, recs[0].ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url1, out.Location)

	url2, err := svc.DownloadURL(ctx, recs[0].ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, url1, url2)
	assert.Equal(t, 1, storage.presignCalls, "second lookup must come from cache")
}
