package main

import (
	"context"
	"log"
	"time"

	"github.com/seashore/seashore-services-uploads/caching"
	"github.com/seashore/seashore-services-uploads/handlers"
	"github.com/seashore/seashore-services-uploads/health"
	"github.com/seashore/seashore-services-uploads/queues"
	"github.com/seashore/seashore-services-uploads/services"
	"github.com/seashore/seashore-services-uploads/store"
)

type Stores struct {
	uploadLog  store.UploadLog
	recordings store.RecordingStore
	objects    store.ObjectStorage
}

type Services struct {
	Recordings services.RecordingService
	Worker     queues.UploadWorker

	Stores *Stores

	Handler *handlers.HTTPHandler
}

type Closer interface {
	Close() error
}

func BuildServices(app *App) (*Services, error) {
	uploadLog, err := store.NewSqliteUploadLogImpl(app.Config.UploadConfig.LogPath, app.Logger)
	if err != nil {
		return nil, err
	}
	recordingStore, err := store.NewSqliteRecordingStoreImpl(app.Config.UploadConfig.RecordingsDBPath)
	if err != nil {
		return nil, err
	}
	objectStorage := store.NewS3ObjectStorageImpl(app.S3, app.Config.AWSConfig.Bucket, app.Logger)

	var cachingSvc caching.CachingService
	cachingSvc = caching.NewRedisCachingService(app.Redis)
	if app.Redis == nil {
		cachingSvc = caching.NewNullCachingService()
	}

	recordingSvc := services.NewRecordingServiceImpl(recordingStore, objectStorage, cachingSvc, app.Logger)

	workerCfg := services.DefaultOrchestratorConfig()
	workerCfg.PartSize = app.Config.UploadConfig.PartSize

	control := store.NewHTTPUploadControlImpl(app.Config.ServiceConfig.UploadsURL, 30*time.Second)
	transfer := store.NewHTTPPartTransferImpl(2 * time.Minute)

	worker := queues.NewUploadWorkerImpl(context.Background(), workerCfg, uploadLog, control, transfer, app.Logger)
	worker.Start()
	go drainWorkerEvents(worker, app)

	// finish whatever a previous run left behind
	if err := worker.RecoverAll(); err != nil {
		log.Printf("could not schedule upload recovery: %v", err)
	}

	stores := &Stores{
		uploadLog:  uploadLog,
		recordings: recordingStore,
		objects:    objectStorage,
	}

	handler := handlers.NewHTTPHandler(
		recordingSvc,
		[]health.ReadinessCheck{uploadLog, recordingStore},
		app.Logger,
		app.Config.UploadConfig.SignedURLTTL,
	)

	return &Services{
		Recordings: recordingSvc,
		Worker:     worker,

		Stores: stores,

		Handler: handler,
	}, nil
}

func drainWorkerEvents(worker queues.UploadWorker, app *App) {
	for evt := range worker.Events() {
		app.Logger.Info("upload worker event",
			"type", string(evt.Type),
			"session_id", evt.SessionID,
			"part_number", evt.PartNumber,
			"message", evt.Message,
		)
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	log.Println("shutting down services")

	if s.Worker != nil {
		if err := s.Worker.Shutdown(ctx); err != nil {
			log.Printf("upload worker shutdown error: %v", err)
		}
	}

	if s.Stores != nil {
		if err := s.Stores.Shutdown(ctx); err != nil {
			log.Printf("stores shutdown error: %v", err)
		}
	}

	log.Println("services shutdown complete")
	return nil
}

func (s *Stores) Shutdown(ctx context.Context) error {
	log.Println("shutting down stores")

	closeIfPossible := func(name string, v any) {
		if c, ok := v.(Closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("%s store close error: %v", name, err)
			}
		}
	}

	closeIfPossible("upload log", s.uploadLog)
	closeIfPossible("recordings", s.recordings)

	log.Println("stores shutdown complete")
	return nil
}
