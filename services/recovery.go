package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/seashore/seashore-services-uploads/apperror"
	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/store"
)

// RecoveryEngine resumes interrupted upload sessions from the durable log
// alone; live capture is never available during recovery. Sessions are
// processed one at a time to bound memory, and one session's failure never
// prevents attempting the next.
type RecoveryEngine struct {
	cfg      OrchestratorConfig
	log      store.UploadLog
	control  store.UploadControl
	transfer store.PartTransfer
	logger   logging.Logger
	emit     func(models.Event)
}

func NewRecoveryEngine(
	cfg OrchestratorConfig,
	log store.UploadLog,
	control store.UploadControl,
	transfer store.PartTransfer,
	l logging.Logger,
	emit func(models.Event),
) *RecoveryEngine {
	return &RecoveryEngine{
		cfg:      cfg,
		log:      log,
		control:  control,
		transfer: transfer,
		logger:   l,
		emit:     emit,
	}
}

// RecoverAll finishes every pending session in the log, sequentially.
// Returns the joined errors of the sessions that could not be recovered;
// those sessions stay in the log for a later pass.
func (r *RecoveryEngine) RecoverAll(ctx context.Context) error {
	sessions, err := r.log.ListPendingSessions(ctx)
	if err != nil {
		return fmt.Errorf("list pending sessions: %w", err)
	}

	if len(sessions) == 0 {
		r.logger.Debug("no pending sessions to recover")
		return nil
	}

	r.logger.Info("starting recovery", "pending_sessions", len(sessions))

	var errs []error
	for _, session := range sessions {
		if err := r.recoverSession(ctx, session); err != nil {
			r.logger.Error("session recovery failed", "session_id", session.SessionID, "error", err)
			errs = append(errs, fmt.Errorf("recover session %s: %w", session.SessionID, err))
		}
	}
	return errors.Join(errs...)
}

// RecoverSession resumes one specific session by id.
func (r *RecoveryEngine) RecoverSession(ctx context.Context, sessionID string) error {
	session, err := r.log.GetSession(ctx, sessionID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return fmt.Errorf("%w: %s", apperror.ErrRecoveryDataMissing, sessionID)
	}
	if err != nil {
		return err
	}
	return r.recoverSession(ctx, *session)
}

// recoverSession replays the full chunk stream through a fresh orchestrator.
// Part boundaries are deterministic, so parts that already have persisted
// receipts are regenerated with the same numbers and skipped instead of
// re-transferred.
func (r *RecoveryEngine) recoverSession(ctx context.Context, session models.RecordingSession) error {
	chunks, err := r.log.ListChunks(ctx, session.SessionID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 && session.UploadID == "" {
		// nothing captured before the crash; drop the empty record
		r.logger.Info("dropping empty pending session", "session_id", session.SessionID)
		return r.log.DeleteSession(ctx, session.SessionID)
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].SequenceID < chunks[j].SequenceID
	})

	receipts, err := r.log.ListPartReceipts(ctx, session.SessionID)
	if err != nil {
		return err
	}

	orch := NewUploadOrchestrator(session.Context(), r.cfg, r.log, r.control, r.transfer, r.logger, r.emit)
	if err := orch.Rehydrate(session, receipts); err != nil {
		return err
	}

	r.logger.Info("replaying session",
		"session_id", session.SessionID, "chunks", len(chunks), "confirmed_parts", len(receipts))

	for _, chunk := range chunks {
		if err := orch.ReplayChunk(ctx, chunk.SequenceID, chunk.Blob); err != nil {
			return err
		}
	}

	return orch.Finalize(ctx, time.Now().UTC(), 0)
}
