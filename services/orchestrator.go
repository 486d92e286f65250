package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seashore/seashore-services-uploads/apperror"
	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/retries"
	"github.com/seashore/seashore-services-uploads/store"
)

// UploadState is the lifecycle of one upload session.
type UploadState int

const (
	StateIdle UploadState = iota
	StateBuffering
	StateMultipartActive
	StateCompleting
	StateDone
	StateFailed
)

func (s UploadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateMultipartActive:
		return "multipart_active"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OrchestratorConfig bounds the orchestrator's part sizing and retry policy.
type OrchestratorConfig struct {
	PartSize       int64
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PartSize:       5 * 1024 * 1024,
		RetryAttempts:  retries.DefaultAttempts,
		RetryBaseDelay: retries.DefaultBaseDelay,
	}
}

// UploadOrchestrator owns the lifecycle of one multipart upload session: it
// persists chunks to the durable log before any transfer, lazily starts the
// multipart upload once the buffered bytes reach the exact part size, runs
// part transfers (possibly several in flight), and finally stitches the
// parts together. One orchestrator instance per session; methods other than
// the internal transfer goroutines must be called from a single goroutine.
type UploadOrchestrator struct {
	sessionCtx models.SessionContext
	cfg        OrchestratorConfig

	log      store.UploadLog
	control  store.UploadControl
	transfer store.PartTransfer
	logger   logging.Logger
	emit     func(models.Event)

	assembler *PartAssembler

	uploadID    string
	recordingID string
	storageKey  string

	nextPart int32
	// receipts confirmed during recovery before replay; parts re-emitted
	// with these numbers are not transferred again
	recovered map[int32]string

	mu          sync.Mutex
	state       UploadState
	receipts    []models.PartReceipt
	transferErr error
	// chunk coverage tracking: a chunk is marked uploaded in the log only
	// once every part holding any of its bytes has a confirmed receipt
	chunkParts     map[int64][]int32
	sealedChunks   map[int64]bool
	confirmedParts map[int32]bool

	inFlight sync.WaitGroup
}

func NewUploadOrchestrator(
	sessionCtx models.SessionContext,
	cfg OrchestratorConfig,
	log store.UploadLog,
	control store.UploadControl,
	transfer store.PartTransfer,
	l logging.Logger,
	emit func(models.Event),
) *UploadOrchestrator {
	if emit == nil {
		emit = func(models.Event) {}
	}
	return &UploadOrchestrator{
		sessionCtx:     sessionCtx,
		cfg:            cfg,
		log:            log,
		control:        control,
		transfer:       transfer,
		logger:         l,
		emit:           emit,
		assembler:      NewPartAssembler(),
		nextPart:       1,
		recovered:      map[int32]string{},
		chunkParts:     map[int64][]int32{},
		sealedChunks:   map[int64]bool{},
		confirmedParts: map[int32]bool{},
		state:          StateIdle,
	}
}

// Start creates the local recovery record and enters buffering. No network
// traffic happens here; the multipart upload is initiated lazily on the
// first threshold crossing.
func (o *UploadOrchestrator) Start(ctx context.Context) error {
	if o.currentState() != StateIdle {
		return fmt.Errorf("%w: start in state %s", apperror.ErrInvalidStateTransition, o.currentState())
	}

	session := models.RecordingSession{
		SessionID: o.sessionCtx.SessionID,
		StudioID:  o.sessionCtx.StudioID,
		UserID:    o.sessionCtx.UserID,
		Type:      o.sessionCtx.Type,
		StartedAt: o.sessionCtx.StartedAt,
		Status:    models.SessionRecording,
	}
	if err := o.log.PutSession(ctx, session); err != nil {
		return err
	}

	o.setState(StateBuffering)
	o.logger.Info("upload session started", "session_id", o.sessionCtx.SessionID)
	return nil
}

// Rehydrate restores orchestrator state from a persisted session instead of
// Start. Parts with persisted receipts are skipped during replay.
func (o *UploadOrchestrator) Rehydrate(session models.RecordingSession, receipts []models.PartReceipt) error {
	if o.currentState() != StateIdle {
		return fmt.Errorf("%w: rehydrate in state %s", apperror.ErrInvalidStateTransition, o.currentState())
	}

	o.sessionCtx = session.Context()
	o.uploadID = session.UploadID
	o.recordingID = session.RecordingID
	o.storageKey = session.StorageKey

	for _, r := range receipts {
		o.recovered[r.PartNumber] = r.ETag
	}

	if session.UploadID != "" {
		o.setState(StateMultipartActive)
	} else {
		o.setState(StateBuffering)
	}

	o.logger.Info("upload session rehydrated",
		"session_id", session.SessionID, "upload_id", session.UploadID,
		"confirmed_parts", len(receipts), "state", o.currentState().String())
	return nil
}

// AddChunk durably persists one captured chunk, then assembles and uploads
// any full parts. The chunk is written to the log even when the session has
// already failed, so the local backup stays complete for recovery.
func (o *UploadOrchestrator) AddChunk(ctx context.Context, sequenceID int64, blob []byte) error {
	state := o.currentState()
	if state != StateBuffering && state != StateMultipartActive && state != StateFailed {
		return fmt.Errorf("%w: add chunk in state %s", apperror.ErrInvalidStateTransition, state)
	}
	if len(blob) == 0 {
		return nil
	}

	if err := o.log.AppendChunk(ctx, o.sessionCtx.SessionID, sequenceID, blob); err != nil {
		return err
	}

	if state == StateFailed {
		o.logger.Debug("chunk persisted for failed session", "session_id", o.sessionCtx.SessionID, "sequence_id", sequenceID)
		return nil
	}

	if err := o.assembler.Push(sequenceID, blob); err != nil {
		return err
	}

	return o.drainFullParts(ctx)
}

// ReplayChunk feeds an already-persisted chunk through assembly during
// recovery. Identical to AddChunk minus the log write.
func (o *UploadOrchestrator) ReplayChunk(ctx context.Context, sequenceID int64, blob []byte) error {
	state := o.currentState()
	if state != StateBuffering && state != StateMultipartActive {
		return fmt.Errorf("%w: replay chunk in state %s", apperror.ErrInvalidStateTransition, state)
	}

	if err := o.assembler.Push(sequenceID, blob); err != nil {
		return err
	}

	return o.drainFullParts(ctx)
}

// Finalize flushes the remainder, waits for in-flight transfers, and
// completes the upload. Entered from Buffering it degrades to one
// single-shot upload instead of any multipart flow.
func (o *UploadOrchestrator) Finalize(ctx context.Context, endedAt time.Time, duration float64) error {
	switch o.currentState() {
	case StateBuffering:
		return o.finalizeSingleShot(ctx, endedAt, duration)
	case StateMultipartActive:
		return o.finalizeMultipart(ctx, endedAt, duration)
	case StateFailed:
		return fmt.Errorf("%w: session %s", apperror.ErrSessionFailed, o.sessionCtx.SessionID)
	default:
		return fmt.Errorf("%w: finalize in state %s", apperror.ErrInvalidStateTransition, o.currentState())
	}
}

func (o *UploadOrchestrator) State() UploadState {
	return o.currentState()
}

func (o *UploadOrchestrator) drainFullParts(ctx context.Context) error {
	for o.assembler.CanEmit(o.cfg.PartSize) {
		if o.currentState() == StateFailed {
			o.mu.Lock()
			err := o.transferErr
			o.mu.Unlock()
			return err
		}
		if o.currentState() == StateBuffering {
			if err := o.initMultipart(ctx); err != nil {
				o.fail(err)
				return err
			}
		}

		part, ok := o.assembler.TryEmitPart(o.cfg.PartSize)
		if !ok {
			break
		}
		o.launchPart(ctx, part)
	}
	return nil
}

// initMultipart performs the lazy threshold-crossing transition from
// Buffering to MultipartActive.
func (o *UploadOrchestrator) initMultipart(ctx context.Context) error {
	var resp *models.InitUploadResponse

	err := retries.Retry(ctx, o.cfg.RetryAttempts, o.cfg.RetryBaseDelay, func() error {
		var err error
		resp, err = o.control.Init(ctx, o.sessionCtx)
		return err
	}, retries.IsRetriableHTTP)
	if err != nil {
		o.logger.Error("multipart init failed", "session_id", o.sessionCtx.SessionID, "error", err)
		return fmt.Errorf("multipart init: %w", err)
	}

	o.uploadID = resp.UploadID
	o.recordingID = resp.RecordingID
	o.storageKey = resp.StorageKey

	if err := o.log.SetUploadInfo(ctx, o.sessionCtx.SessionID, resp.UploadID, resp.RecordingID, resp.StorageKey); err != nil {
		return err
	}

	o.setState(StateMultipartActive)
	o.logger.Info("multipart upload active",
		"session_id", o.sessionCtx.SessionID, "upload_id", resp.UploadID, "storage_key", resp.StorageKey)

	o.emit(models.Event{
		Type:        models.EventInitialized,
		SessionID:   o.sessionCtx.SessionID,
		UploadID:    resp.UploadID,
		RecordingID: resp.RecordingID,
		StorageKey:  resp.StorageKey,
	})
	return nil
}

// launchPart assigns the next part number and either reuses a recovered
// receipt or starts an asynchronous transfer.
func (o *UploadOrchestrator) launchPart(ctx context.Context, part *AssembledPart) {
	partNumber := o.nextPart
	o.nextPart++
	o.registerPart(partNumber, part)

	if etag, ok := o.recovered[partNumber]; ok {
		receipt := models.PartReceipt{PartNumber: partNumber, ETag: etag}
		if err := o.log.MarkPartUploaded(ctx, o.sessionCtx.SessionID, receipt, o.confirmPart(partNumber)); err != nil {
			o.fail(err)
			return
		}
		o.recordReceipt(receipt)
		o.logger.Debug("part already confirmed, skipping transfer",
			"session_id", o.sessionCtx.SessionID, "part_number", partNumber)
		return
	}

	o.inFlight.Add(1)
	go func() {
		defer o.inFlight.Done()
		o.uploadPart(ctx, partNumber, part)
	}()
}

// registerPart records which chunks have bytes in this part. A chunk is
// sealed once the part holding its final byte has been assigned.
func (o *UploadOrchestrator) registerPart(partNumber int32, part *AssembledPart) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, seq := range part.ContributingSequenceIDs {
		o.chunkParts[seq] = append(o.chunkParts[seq], partNumber)
	}
	for _, seq := range part.CompletedSequenceIDs {
		o.sealedChunks[seq] = true
	}
}

// confirmPart marks the part's receipt as confirmed and returns the sealed
// chunks whose containing parts are now all confirmed. Out-of-order
// confirmations never flip a chunk while an earlier containing part is
// still in flight.
func (o *UploadOrchestrator) confirmPart(partNumber int32) []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confirmedParts[partNumber] = true

	var covered []int64
	for seq := range o.sealedChunks {
		confirmed := true
		for _, p := range o.chunkParts[seq] {
			if !o.confirmedParts[p] {
				confirmed = false
				break
			}
		}
		if confirmed {
			covered = append(covered, seq)
		}
	}
	for _, seq := range covered {
		delete(o.sealedChunks, seq)
		delete(o.chunkParts, seq)
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i] < covered[j] })
	return covered
}

// uploadPart runs one part transfer: fresh authorization plus PUT per
// attempt, since signed URLs are short-lived.
func (o *UploadOrchestrator) uploadPart(ctx context.Context, partNumber int32, part *AssembledPart) {
	var etag string

	err := retries.Retry(ctx, o.cfg.RetryAttempts, o.cfg.RetryBaseDelay, func() error {
		signedURL, err := o.control.AuthorizePart(ctx, o.uploadID, o.storageKey, partNumber, o.recordingID)
		if err != nil {
			return err
		}
		etag, err = o.transfer.Put(ctx, signedURL, part.Data)
		return err
	}, retries.IsRetriableHTTP)
	if err != nil {
		o.logger.Error("part transfer failed",
			"session_id", o.sessionCtx.SessionID, "part_number", partNumber, "error", err)
		o.fail(fmt.Errorf("part %d transfer: %w", partNumber, err))
		return
	}

	receipt := models.PartReceipt{PartNumber: partNumber, ETag: etag}
	if err := o.log.MarkPartUploaded(ctx, o.sessionCtx.SessionID, receipt, o.confirmPart(partNumber)); err != nil {
		o.fail(err)
		return
	}
	o.recordReceipt(receipt)

	o.logger.Debug("part uploaded",
		"session_id", o.sessionCtx.SessionID, "part_number", partNumber, "size", len(part.Data))

	o.emit(models.Event{
		Type:       models.EventPartUploaded,
		SessionID:  o.sessionCtx.SessionID,
		PartNumber: partNumber,
	})
}

func (o *UploadOrchestrator) finalizeMultipart(ctx context.Context, endedAt time.Time, duration float64) error {
	o.setState(StateCompleting)

	if remainder := o.assembler.FlushRemainder(); remainder != nil {
		o.launchPart(ctx, remainder)
	}

	o.inFlight.Wait()

	o.mu.Lock()
	transferErr := o.transferErr
	parts := make([]models.PartReceipt, len(o.receipts))
	copy(parts, o.receipts)
	o.mu.Unlock()

	if transferErr != nil {
		o.setState(StateFailed)
		return transferErr
	}

	// completion order is defined by part number, not transfer timing
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})

	var resp *models.CompleteUploadResponse
	err := retries.Retry(ctx, o.cfg.RetryAttempts, o.cfg.RetryBaseDelay, func() error {
		var err error
		resp, err = o.control.Complete(ctx, o.uploadID, o.storageKey, parts, o.recordingID, endedAt, duration)
		return err
	}, retries.IsRetriableHTTP)
	if err != nil {
		// session record stays in the log for a later recovery pass
		o.fail(fmt.Errorf("complete upload: %w", err))
		return fmt.Errorf("complete upload: %w", err)
	}

	if err := o.log.DeleteSession(ctx, o.sessionCtx.SessionID); err != nil {
		o.fail(err)
		return err
	}

	o.setState(StateDone)
	o.logger.Info("upload completed",
		"session_id", o.sessionCtx.SessionID, "recording_id", o.recordingID,
		"parts", len(parts), "file_size", resp.FileSize)

	o.emit(models.Event{
		Type:        models.EventUploadComplete,
		SessionID:   o.sessionCtx.SessionID,
		RecordingID: o.recordingID,
		StorageKey:  o.storageKey,
		Location:    resp.Location,
	})
	return nil
}

// finalizeSingleShot handles recordings that never reached the part-size
// threshold: the whole buffer goes up as one plain upload, skipping the
// multipart protocol and its per-part overhead.
func (o *UploadOrchestrator) finalizeSingleShot(ctx context.Context, endedAt time.Time, duration float64) error {
	o.setState(StateCompleting)

	var body []byte
	if remainder := o.assembler.FlushRemainder(); remainder != nil {
		body = remainder.Data
	}

	if len(body) > 0 {
		var resp *models.SingleShotResponse
		err := retries.Retry(ctx, o.cfg.RetryAttempts, o.cfg.RetryBaseDelay, func() error {
			var err error
			resp, err = o.control.SingleShot(ctx, o.sessionCtx, o.recordingID, body, endedAt, duration)
			return err
		}, retries.IsRetriableHTTP)
		if err != nil {
			o.fail(fmt.Errorf("single-shot upload: %w", err))
			return fmt.Errorf("single-shot upload: %w", err)
		}

		o.logger.Info("single-shot upload completed",
			"session_id", o.sessionCtx.SessionID, "size", len(body), "file_size", resp.FileSize)

		if err := o.log.DeleteSession(ctx, o.sessionCtx.SessionID); err != nil {
			o.fail(err)
			return err
		}

		o.setState(StateDone)
		o.emit(models.Event{
			Type:      models.EventUploadComplete,
			SessionID: o.sessionCtx.SessionID,
			Location:  resp.Location,
		})
		return nil
	}

	// nothing was ever captured; just drop the local record
	if err := o.log.DeleteSession(ctx, o.sessionCtx.SessionID); err != nil {
		o.fail(err)
		return err
	}

	o.setState(StateDone)
	o.emit(models.Event{
		Type:      models.EventUploadComplete,
		SessionID: o.sessionCtx.SessionID,
	})
	return nil
}

func (o *UploadOrchestrator) recordReceipt(receipt models.PartReceipt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.receipts = append(o.receipts, receipt)
}

// fail moves the session to Failed, keeping the local record and all
// confirmed parts so recovery can pick up where this attempt stopped.
func (o *UploadOrchestrator) fail(err error) {
	o.mu.Lock()
	if o.transferErr == nil {
		o.transferErr = err
	}
	alreadyFailed := o.state == StateFailed
	o.state = StateFailed
	o.mu.Unlock()

	if alreadyFailed {
		return
	}

	o.emit(models.Event{
		Type:      models.EventError,
		SessionID: o.sessionCtx.SessionID,
		Message:   err.Error(),
	})
}

func (o *UploadOrchestrator) currentState() UploadState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *UploadOrchestrator) setState(s UploadState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}
