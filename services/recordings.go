package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seashore/seashore-services-uploads/caching"
	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/store"
)

const recordingContentType = "video/webm"

// RecordingService is the server side of the storage-control API: it owns
// recording metadata rows and brokers multipart uploads against the bucket.
type RecordingService interface {
	InitUpload(ctx context.Context, sc models.SessionContext) (*models.InitUploadResponse, error)
	AuthorizePart(ctx context.Context, uploadID, storageKey string, partNumber int32, recordingID string, ttl time.Duration) (string, error)
	CompleteUpload(ctx context.Context, uploadID, storageKey string, parts []models.PartReceipt, recordingID string, endedAt time.Time, duration float64) (*models.CompleteUploadResponse, error)
	SingleShotUpload(ctx context.Context, sc models.SessionContext, recordingID string, body []byte, endedAt time.Time, duration float64) (*models.SingleShotResponse, error)
	DownloadURL(ctx context.Context, recordingID string, ttl time.Duration) (string, error)
	ListByStudio(ctx context.Context, studioID string) ([]models.Recording, error)
}

type RecordingServiceImpl struct {
	recordings store.RecordingStore
	storage    store.ObjectStorage
	cachingSvc caching.CachingService

	logger logging.Logger
}

func NewRecordingServiceImpl(
	recordings store.RecordingStore,
	storage store.ObjectStorage,
	cachingSvc caching.CachingService,
	l logging.Logger,
) *RecordingServiceImpl {
	return &RecordingServiceImpl{
		recordings: recordings,
		storage:    storage,
		cachingSvc: cachingSvc,
		logger:     l,
	}
}

func (svc *RecordingServiceImpl) InitUpload(ctx context.Context, sc models.SessionContext) (*models.InitUploadResponse, error) {
	if sc.StudioID == "" || sc.SessionID == "" || sc.UserID == "" {
		return nil, errors.New("missing fields in INIT")
	}

	recordingID := uuid.NewString()
	key := storageKeyFor(sc, recordingID)

	rec := models.Recording{
		ID:        recordingID,
		StudioID:  sc.StudioID,
		SessionID: sc.SessionID,
		UserID:    sc.UserID,
		Type:      sc.Type,
		Status:    models.RecordingUploading,
		StartedAt: sc.StartedAt,
	}
	if err := svc.recordings.Create(ctx, rec); err != nil {
		svc.logger.Error("failed to create recording row", "session_id", sc.SessionID, "error", err)
		return nil, err
	}

	uploadID, err := svc.storage.CreateMultipartUpload(ctx, key, recordingContentType)
	if err != nil {
		return nil, err
	}

	svc.logger.Info("upload initialized",
		"recording_id", recordingID, "session_id", sc.SessionID, "upload_id", uploadID)

	return &models.InitUploadResponse{
		UploadID:    uploadID,
		RecordingID: recordingID,
		StorageKey:  key,
	}, nil
}

func (svc *RecordingServiceImpl) AuthorizePart(ctx context.Context, uploadID, storageKey string, partNumber int32, recordingID string, ttl time.Duration) (string, error) {
	if uploadID == "" || storageKey == "" || recordingID == "" || partNumber < 1 {
		return "", errors.New("missing uploadId, partNumber, storageKey, or recordingId")
	}

	// heartbeat so stalled uploads are distinguishable from live ones
	if err := svc.recordings.Heartbeat(ctx, recordingID); err != nil {
		svc.logger.Error("heartbeat failed", "recording_id", recordingID, "error", err)
		return "", err
	}

	return svc.storage.PresignUploadPart(ctx, storageKey, uploadID, partNumber, ttl)
}

func (svc *RecordingServiceImpl) CompleteUpload(ctx context.Context, uploadID, storageKey string, parts []models.PartReceipt, recordingID string, endedAt time.Time, duration float64) (*models.CompleteUploadResponse, error) {
	if uploadID == "" || storageKey == "" || recordingID == "" || len(parts) == 0 {
		return nil, errors.New("missing uploadId, parts, storageKey, or recordingId")
	}

	// a completion retried after a crash may find the object already
	// assembled; treat that as success
	exists, err := svc.storage.ObjectExists(ctx, storageKey)
	if err != nil {
		return nil, err
	}

	location := storageKey
	if !exists {
		location, err = svc.storage.CompleteMultipartUpload(ctx, storageKey, uploadID, parts)
		if err != nil {
			svc.logger.Error("completion failed",
				"recording_id", recordingID, "upload_id", uploadID, "error", err)
			return nil, err
		}
	} else {
		svc.logger.Info("object already assembled, skipping completion",
			"recording_id", recordingID, "storage_key", storageKey)
	}

	fileSize, err := svc.storage.ObjectSize(ctx, storageKey)
	if err != nil {
		return nil, err
	}

	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	if err := svc.recordings.MarkAvailable(ctx, recordingID, storageKey, fileSize, duration, endedAt); err != nil {
		svc.logger.Error("failed to mark recording available", "recording_id", recordingID, "error", err)
		return nil, err
	}

	svc.invalidateStudioCache(ctx, recordingID)

	svc.logger.Info("upload completed",
		"recording_id", recordingID, "file_size", fileSize, "parts", len(parts))

	return &models.CompleteUploadResponse{Location: location, FileSize: fileSize}, nil
}

// SingleShotUpload stores a short recording as one plain object, bypassing
// the multipart protocol entirely.
func (svc *RecordingServiceImpl) SingleShotUpload(ctx context.Context, sc models.SessionContext, recordingID string, body []byte, endedAt time.Time, duration float64) (*models.SingleShotResponse, error) {
	if sc.StudioID == "" || sc.SessionID == "" || sc.UserID == "" {
		return nil, errors.New("missing metadata")
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if recordingID == "" {
		recordingID = uuid.NewString()
		rec := models.Recording{
			ID:        recordingID,
			StudioID:  sc.StudioID,
			SessionID: sc.SessionID,
			UserID:    sc.UserID,
			Type:      sc.Type,
			Status:    models.RecordingUploading,
			StartedAt: sc.StartedAt,
		}
		if err := svc.recordings.Create(ctx, rec); err != nil {
			return nil, err
		}
	}

	key := storageKeyFor(sc, recordingID)
	if err := svc.storage.PutObject(ctx, key, body, recordingContentType); err != nil {
		return nil, err
	}

	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	if err := svc.recordings.MarkAvailable(ctx, recordingID, key, int64(len(body)), duration, endedAt); err != nil {
		return nil, err
	}

	svc.invalidateStudioCache(ctx, recordingID)

	svc.logger.Info("single-shot upload stored",
		"recording_id", recordingID, "size", len(body))

	return &models.SingleShotResponse{Location: key, FileSize: int64(len(body))}, nil
}

func (svc *RecordingServiceImpl) DownloadURL(ctx context.Context, recordingID string, ttl time.Duration) (string, error) {
	cacheKey := fmt.Sprintf("recording:download:%s", recordingID)
	if url, err := svc.cachingSvc.Get(ctx, cacheKey); err == nil {
		return url, nil
	}

	rec, err := svc.recordings.Get(ctx, recordingID)
	if err != nil {
		return "", err
	}
	if rec.Status != models.RecordingAvailable {
		return "", fmt.Errorf("recording %s is not available yet", recordingID)
	}

	url, err := svc.storage.PresignDownload(ctx, rec.StorageKey, ttl)
	if err != nil {
		return "", err
	}

	// cache for half the signature lifetime so served links stay valid
	if err := svc.cachingSvc.Set(ctx, cacheKey, url, ttl/2); err != nil {
		svc.logger.Warn("failed to cache download url", "recording_id", recordingID, "error", err)
	}

	return url, nil
}

func (svc *RecordingServiceImpl) ListByStudio(ctx context.Context, studioID string) ([]models.Recording, error) {
	return svc.recordings.ListByStudio(ctx, studioID)
}

func (svc *RecordingServiceImpl) invalidateStudioCache(ctx context.Context, recordingID string) {
	rec, err := svc.recordings.Get(ctx, recordingID)
	if err != nil {
		return
	}
	key := fmt.Sprintf("studio:recordings:%s", rec.StudioID)
	if err := svc.cachingSvc.Delete(ctx, key); err != nil {
		svc.logger.Warn("cached recordings invalidation failed", "studio_id", rec.StudioID, "error", err)
	}
}

func storageKeyFor(sc models.SessionContext, recordingID string) string {
	return fmt.Sprintf("%s/%s/%s/%s.webm", sc.StudioID, sc.SessionID, sc.UserID, recordingID)
}
