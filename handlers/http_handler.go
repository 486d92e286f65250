package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/seashore/seashore-services-uploads/apperror"
	"github.com/seashore/seashore-services-uploads/health"
	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/services"
)

// maxSingleShotBytes caps PUT /api/upload/single request bodies. Anything
// larger must go through the multipart path.
const maxSingleShotBytes = 64 << 20

type HTTPHandler struct {
	recordings   services.RecordingService
	checks       []health.ReadinessCheck
	logger       logging.Logger
	signedURLTTL time.Duration
}

func NewHTTPHandler(recordings services.RecordingService, checks []health.ReadinessCheck, l logging.Logger, signedURLTTL time.Duration) *HTTPHandler {
	return &HTTPHandler{
		recordings:   recordings,
		checks:       checks,
		logger:       l,
		signedURLTTL: signedURLTTL,
	}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/upload", h.handleUpload)
	mux.HandleFunc("PUT /api/upload/single", h.handleSingleShot)
	mux.HandleFunc("GET /api/recordings/{id}/download", h.handleDownload)
	mux.HandleFunc("GET /api/studios/{id}/recordings", h.handleListRecordings)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

func (h *HTTPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req models.UploadControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case models.ActionInit:
		h.handleInit(w, r, req)
	case models.ActionPart:
		h.handlePart(w, r, req)
	case models.ActionComplete:
		h.handleComplete(w, r, req)
	default:
		h.writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (h *HTTPHandler) handleInit(w http.ResponseWriter, r *http.Request, req models.UploadControlRequest) {
	if req.StudioID == "" || req.SessionID == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "studioId, sessionId and userId are required")
		return
	}

	resp, err := h.recordings.InitUpload(r.Context(), models.SessionContext{
		StudioID:  req.StudioID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Type:      req.Type,
		StartedAt: req.StartedAt,
	})
	if err != nil {
		h.logger.Error("init upload failed", "session_id", req.SessionID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "could not initiate upload")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handlePart(w http.ResponseWriter, r *http.Request, req models.UploadControlRequest) {
	if req.UploadID == "" || req.StorageKey == "" || req.PartNumber < 1 {
		h.writeError(w, http.StatusBadRequest, "uploadId, storageKey and partNumber are required")
		return
	}

	signedURL, err := h.recordings.AuthorizePart(r.Context(), req.UploadID, req.StorageKey, req.PartNumber, req.RecordingID, h.signedURLTTL)
	if err != nil {
		h.logger.Error("part authorization failed", "upload_id", req.UploadID, "part_number", req.PartNumber, "error", err)
		h.writeError(w, http.StatusInternalServerError, "could not authorize part")
		return
	}

	h.writeJSON(w, http.StatusOK, models.PartAuthorizationResponse{SignedURL: signedURL})
}

func (h *HTTPHandler) handleComplete(w http.ResponseWriter, r *http.Request, req models.UploadControlRequest) {
	if req.UploadID == "" || req.StorageKey == "" || len(req.Parts) == 0 {
		h.writeError(w, http.StatusBadRequest, "uploadId, storageKey and parts are required")
		return
	}

	resp, err := h.recordings.CompleteUpload(r.Context(), req.UploadID, req.StorageKey, req.Parts, req.RecordingID, req.EndedAt, req.Duration)
	if err != nil {
		h.logger.Error("complete upload failed", "upload_id", req.UploadID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "could not complete upload")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleSingleShot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sc := models.SessionContext{
		StudioID:  q.Get("studioId"),
		SessionID: q.Get("sessionId"),
		UserID:    q.Get("userId"),
		Type:      q.Get("type"),
	}
	if sc.StudioID == "" || sc.SessionID == "" || sc.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "studioId, sessionId and userId are required")
		return
	}
	if v := q.Get("startedAt"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "startedAt must be RFC 3339")
			return
		}
		sc.StartedAt = t
	}
	var endedAt time.Time
	if v := q.Get("endedAt"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "endedAt must be RFC 3339")
			return
		}
		endedAt = t
	}
	duration, _ := strconv.ParseFloat(q.Get("duration"), 64)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSingleShotBytes+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if len(body) > maxSingleShotBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge, "body exceeds single upload limit")
		return
	}
	if len(body) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	resp, err := h.recordings.SingleShotUpload(r.Context(), sc, q.Get("recordingId"), body, endedAt, duration)
	if err != nil {
		h.logger.Error("single-shot upload failed", "session_id", sc.SessionID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "could not store recording")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	recordingID := r.PathValue("id")

	url, err := h.recordings.DownloadURL(r.Context(), recordingID, h.signedURLTTL)
	if err != nil {
		if errors.Is(err, apperror.ErrRecordingNotFound) {
			h.writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		h.logger.Error("download url failed", "recording_id", recordingID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "could not create download url")
		return
	}

	h.writeJSON(w, http.StatusOK, models.DownloadResponse{URL: url})
}

func (h *HTTPHandler) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	studioID := r.PathValue("id")

	recordings, err := h.recordings.ListByStudio(r.Context(), studioID)
	if err != nil {
		h.logger.Error("list recordings failed", "studio_id", studioID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "could not list recordings")
		return
	}

	h.writeJSON(w, http.StatusOK, recordings)
}

func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := c.IsReady(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("readiness check failed", "check", c.Name(), "error", err)
			h.writeError(w, http.StatusServiceUnavailable, c.Name()+" not ready")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response failed", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, models.ErrorResponse{Error: msg})
}
