package queues

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/services"
	"github.com/seashore/seashore-services-uploads/store"
)

var ErrWorkerClosed = errors.New("upload worker closed")

type taskKind int

const (
	taskInit taskKind = iota
	taskAddChunk
	taskFinalize
	taskRecover
	taskRecoverAll
)

type task struct {
	kind taskKind

	sessionCtx models.SessionContext // taskInit
	sequenceID int64                 // taskAddChunk
	blob       []byte                // taskAddChunk
	endedAt    time.Time             // taskFinalize
	duration   float64               // taskFinalize
	sessionID  string                // taskRecover
}

// UploadWorker is the single background task owning the upload pipeline.
// Commands run strictly one after another in submission order; that
// serialization is what makes sequence assignment and buffer mutation safe
// without locks around the orchestrator. Individual part transfers may still
// race in flight inside the orchestrator.
type UploadWorker interface {
	Init(sc models.SessionContext) error
	AddChunk(blob []byte) error
	Finalize(endedAt time.Time, duration float64) error
	Recover(sessionID string) error
	RecoverAll() error
	Events() <-chan models.Event
	Shutdown(ctx context.Context) error
}

type UploadWorkerImpl struct {
	cfg      services.OrchestratorConfig
	log      store.UploadLog
	control  store.UploadControl
	transfer store.PartTransfer
	logger   logging.Logger

	tasks  chan task
	events chan models.Event

	mu      sync.Mutex
	nextSeq int64
	closed  bool

	evMu     sync.Mutex
	evClosed bool

	orch     *services.UploadOrchestrator
	recovery *services.RecoveryEngine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUploadWorkerImpl(
	parent context.Context,
	cfg services.OrchestratorConfig,
	log store.UploadLog,
	control store.UploadControl,
	transfer store.PartTransfer,
	l logging.Logger,
) *UploadWorkerImpl {
	ctx, cancel := context.WithCancel(parent)

	w := &UploadWorkerImpl{
		cfg:      cfg,
		log:      log,
		control:  control,
		transfer: transfer,
		logger:   l,
		tasks:    make(chan task, 256),
		events:   make(chan models.Event, 128),
		nextSeq:  1,
		ctx:      ctx,
		cancel:   cancel,
	}
	w.recovery = services.NewRecoveryEngine(cfg, log, control, transfer, l, w.emit)
	return w
}

func (w *UploadWorkerImpl) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runLoop()
	}()
}

func (w *UploadWorkerImpl) Events() <-chan models.Event {
	return w.events
}

func (w *UploadWorkerImpl) Init(sc models.SessionContext) error {
	return w.enqueue(task{kind: taskInit, sessionCtx: sc})
}

// AddChunk assigns the sequence number at enqueue time, under the same lock
// as the channel send, so submission order defines chunk order even when
// callers race.
func (w *UploadWorkerImpl) AddChunk(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}

	t := task{kind: taskAddChunk, sequenceID: w.nextSeq, blob: blob}
	select {
	case w.tasks <- t:
		w.nextSeq++
		return nil
	case <-w.ctx.Done():
		return ErrWorkerClosed
	}
}

// Finalize is just another queued task: it runs only after every previously
// queued chunk, so a stop racing the last chunk cannot lose data.
func (w *UploadWorkerImpl) Finalize(endedAt time.Time, duration float64) error {
	return w.enqueue(task{kind: taskFinalize, endedAt: endedAt, duration: duration})
}

func (w *UploadWorkerImpl) Recover(sessionID string) error {
	return w.enqueue(task{kind: taskRecover, sessionID: sessionID})
}

func (w *UploadWorkerImpl) RecoverAll() error {
	return w.enqueue(task{kind: taskRecoverAll})
}

func (w *UploadWorkerImpl) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.tasks)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.cancel() // force
		return ctx.Err()
	}

	w.cancel()

	w.evMu.Lock()
	w.evClosed = true
	close(w.events)
	w.evMu.Unlock()
	return nil
}

func (w *UploadWorkerImpl) runLoop() {
	for t := range w.tasks {
		select {
		case <-w.ctx.Done():
			return
		default:
		}
		w.handleTask(t)
	}
}

func (w *UploadWorkerImpl) handleTask(t task) {
	switch t.kind {
	case taskInit:
		w.handleInit(t.sessionCtx)
	case taskAddChunk:
		w.handleAddChunk(t.sequenceID, t.blob)
	case taskFinalize:
		w.handleFinalize(t.endedAt, t.duration)
	case taskRecover:
		if err := w.recovery.RecoverSession(w.ctx, t.sessionID); err != nil {
			w.emitError(t.sessionID, err)
		}
	case taskRecoverAll:
		if err := w.recovery.RecoverAll(w.ctx); err != nil {
			w.emitError("", err)
		}
	}
}

func (w *UploadWorkerImpl) handleInit(sc models.SessionContext) {
	if w.orch != nil {
		state := w.orch.State()
		if state != services.StateDone && state != services.StateFailed {
			w.emitError(sc.SessionID, errors.New("another upload session is active"))
			return
		}
	}

	orch := services.NewUploadOrchestrator(sc, w.cfg, w.log, w.control, w.transfer, w.logger, w.emit)
	if err := orch.Start(w.ctx); err != nil {
		w.emitError(sc.SessionID, err)
		return
	}

	// sequence ids keep growing across sessions; the orchestrator only
	// needs them strictly increasing within one
	w.orch = orch
}

func (w *UploadWorkerImpl) handleAddChunk(sequenceID int64, blob []byte) {
	if w.orch == nil {
		w.emitError("", errors.New("chunk received before session init"))
		return
	}
	if err := w.orch.AddChunk(w.ctx, sequenceID, blob); err != nil {
		w.emitError("", err)
	}
}

func (w *UploadWorkerImpl) handleFinalize(endedAt time.Time, duration float64) {
	if w.orch == nil {
		w.emitError("", errors.New("finalize without active session"))
		return
	}
	if err := w.orch.Finalize(w.ctx, endedAt, duration); err != nil {
		w.emitError("", err)
	}
}

// enqueue holds the lock across the send so Shutdown cannot close the task
// channel between the closed check and the send.
func (w *UploadWorkerImpl) enqueue(t task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.tasks <- t:
		return nil
	case <-w.ctx.Done():
		return ErrWorkerClosed
	}
}

// emit never blocks the pipeline; if the host stops draining, events are
// dropped with a warning rather than stalling uploads. Late transfer
// goroutines may still report after Shutdown, so the closed channel is
// guarded.
func (w *UploadWorkerImpl) emit(evt models.Event) {
	w.evMu.Lock()
	defer w.evMu.Unlock()
	if w.evClosed {
		return
	}
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("event dropped, host not draining", "type", string(evt.Type), "session_id", evt.SessionID)
	}
}

func (w *UploadWorkerImpl) emitError(sessionID string, err error) {
	w.logger.Error("upload worker task failed", "session_id", sessionID, "error", err)
	w.emit(models.Event{
		Type:      models.EventError,
		SessionID: sessionID,
		Message:   err.Error(),
	})
}
