package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/retries"
)

// UploadControl is the worker-side client for the storage-control API. It
// never touches the bucket directly; byte transfer goes through the signed
// URLs issued per part.
type UploadControl interface {
	Init(ctx context.Context, sc models.SessionContext) (*models.InitUploadResponse, error)
	AuthorizePart(ctx context.Context, uploadID, storageKey string, partNumber int32, recordingID string) (string, error)
	Complete(ctx context.Context, uploadID, storageKey string, parts []models.PartReceipt, recordingID string, endedAt time.Time, duration float64) (*models.CompleteUploadResponse, error)
	SingleShot(ctx context.Context, sc models.SessionContext, recordingID string, body []byte, endedAt time.Time, duration float64) (*models.SingleShotResponse, error)
}

// PartTransfer performs the raw byte transfer of one part to its signed URL
// and returns the storage integrity token.
type PartTransfer interface {
	Put(ctx context.Context, signedURL string, body []byte) (string, error)
}

type HTTPUploadControlImpl struct {
	client  *http.Client
	baseURL string
}

func NewHTTPUploadControlImpl(baseURL string, timeout time.Duration) *HTTPUploadControlImpl {
	return &HTTPUploadControlImpl{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *HTTPUploadControlImpl) Init(ctx context.Context, sc models.SessionContext) (*models.InitUploadResponse, error) {
	req := models.UploadControlRequest{
		Action:    models.ActionInit,
		StudioID:  sc.StudioID,
		SessionID: sc.SessionID,
		UserID:    sc.UserID,
		Type:      sc.Type,
		StartedAt: sc.StartedAt,
	}

	var resp models.InitUploadResponse
	if err := c.postJSON(ctx, "/api/upload", req, &resp); err != nil {
		return nil, fmt.Errorf("init upload: %w", err)
	}
	return &resp, nil
}

func (c *HTTPUploadControlImpl) AuthorizePart(ctx context.Context, uploadID, storageKey string, partNumber int32, recordingID string) (string, error) {
	req := models.UploadControlRequest{
		Action:      models.ActionPart,
		UploadID:    uploadID,
		StorageKey:  storageKey,
		PartNumber:  partNumber,
		RecordingID: recordingID,
	}

	var resp models.PartAuthorizationResponse
	if err := c.postJSON(ctx, "/api/upload", req, &resp); err != nil {
		return "", fmt.Errorf("authorize part %d: %w", partNumber, err)
	}
	return resp.SignedURL, nil
}

func (c *HTTPUploadControlImpl) Complete(ctx context.Context, uploadID, storageKey string, parts []models.PartReceipt, recordingID string, endedAt time.Time, duration float64) (*models.CompleteUploadResponse, error) {
	req := models.UploadControlRequest{
		Action:      models.ActionComplete,
		UploadID:    uploadID,
		StorageKey:  storageKey,
		Parts:       parts,
		RecordingID: recordingID,
		EndedAt:     endedAt,
		Duration:    duration,
	}

	var resp models.CompleteUploadResponse
	if err := c.postJSON(ctx, "/api/upload", req, &resp); err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return &resp, nil
}

func (c *HTTPUploadControlImpl) SingleShot(ctx context.Context, sc models.SessionContext, recordingID string, body []byte, endedAt time.Time, duration float64) (*models.SingleShotResponse, error) {
	q := url.Values{}
	q.Set("studioId", sc.StudioID)
	q.Set("sessionId", sc.SessionID)
	q.Set("userId", sc.UserID)
	q.Set("type", sc.Type)
	q.Set("startedAt", sc.StartedAt.UTC().Format(time.RFC3339Nano))
	q.Set("endedAt", endedAt.UTC().Format(time.RFC3339Nano))
	q.Set("duration", strconv.FormatFloat(duration, 'f', -1, 64))
	if recordingID != "" {
		q.Set("recordingId", recordingID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/upload/single?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("single-shot upload: %w", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return nil, fmt.Errorf("single-shot upload: %w", err)
	}

	var resp models.SingleShotResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode single-shot response: %w", err)
	}
	return &resp, nil
}

func (c *HTTPUploadControlImpl) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return err
	}

	return json.NewDecoder(res.Body).Decode(out)
}

type HTTPPartTransferImpl struct {
	client *http.Client
}

func NewHTTPPartTransferImpl(timeout time.Duration) *HTTPPartTransferImpl {
	return &HTTPPartTransferImpl{
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPPartTransferImpl) Put(ctx context.Context, signedURL string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(body))

	res, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("part transfer: %w", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return "", fmt.Errorf("part transfer: %w", err)
	}

	etag := strings.Trim(res.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("part transfer: storage returned no etag")
	}
	return etag, nil
}

func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return &retries.HTTPStatusError{StatusCode: res.StatusCode, Body: string(snippet)}
}
