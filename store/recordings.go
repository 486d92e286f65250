package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seashore/seashore-services-uploads/apperror"
	"github.com/seashore/seashore-services-uploads/health"
	"github.com/seashore/seashore-services-uploads/models"
)

const recordingsSchema = `
CREATE TABLE IF NOT EXISTS recordings (
	id TEXT PRIMARY KEY,
	studio_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	storage_key TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	duration REAL NOT NULL DEFAULT 0,
	started_at_utc_ns INTEGER NOT NULL,
	ended_at_utc_ns INTEGER NOT NULL DEFAULT 0,
	created_at_utc_ns INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id);
CREATE INDEX IF NOT EXISTS idx_recordings_studio ON recordings(studio_id);
`

// RecordingStore keeps the server-side recording metadata rows.
type RecordingStore interface {
	Create(ctx context.Context, rec models.Recording) error
	Get(ctx context.Context, id string) (*models.Recording, error)
	ListByStudio(ctx context.Context, studioID string) ([]models.Recording, error)
	Heartbeat(ctx context.Context, id string) error
	MarkAvailable(ctx context.Context, id string, storageKey string, fileSize int64, duration float64, endedAt time.Time) error

	health.ReadinessCheck
}

type SqliteRecordingStoreImpl struct {
	db *sql.DB
}

func NewSqliteRecordingStoreImpl(path string) (*SqliteRecordingStoreImpl, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open recordings store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recordings store ping failed: %w", err)
	}

	if _, err := db.Exec(recordingsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recordings schema: %w", err)
	}

	return &SqliteRecordingStoreImpl{db: db}, nil
}

func (s *SqliteRecordingStoreImpl) Close() error {
	return s.db.Close()
}

func (s *SqliteRecordingStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SqliteRecordingStoreImpl) Name() string {
	return "RecordingStore[sqlite]"
}

func (s *SqliteRecordingStoreImpl) Create(ctx context.Context, rec models.Recording) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, studio_id, session_id, user_id, type, status, storage_key,
			file_size, duration, started_at_utc_ns, ended_at_utc_ns, created_at_utc_ns, updated_at_utc_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StudioID, rec.SessionID, rec.UserID, rec.Type, string(rec.Status),
		rec.StorageKey, rec.FileSize, rec.Duration,
		rec.StartedAt.UTC().UnixNano(), nsOrZero(rec.EndedAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	return nil
}

func (s *SqliteRecordingStoreImpl) Get(ctx context.Context, id string) (*models.Recording, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, studio_id, session_id, user_id, type, status, storage_key,
			file_size, duration, started_at_utc_ns, ended_at_utc_ns, created_at_utc_ns, updated_at_utc_ns
		FROM recordings WHERE id = ?`, id)

	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrRecordingNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SqliteRecordingStoreImpl) ListByStudio(ctx context.Context, studioID string) ([]models.Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, studio_id, session_id, user_id, type, status, storage_key,
			file_size, duration, started_at_utc_ns, ended_at_utc_ns, created_at_utc_ns, updated_at_utc_ns
		FROM recordings WHERE studio_id = ? ORDER BY created_at_utc_ns DESC`, studioID)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Heartbeat refreshes updated_at so stalled uploads can be told apart from
// live ones.
func (s *SqliteRecordingStoreImpl) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recordings SET updated_at_utc_ns = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("heartbeat recording: %w", err)
	}
	return requireRow(res)
}

func (s *SqliteRecordingStoreImpl) MarkAvailable(ctx context.Context, id string, storageKey string, fileSize int64, duration float64, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET status = ?, storage_key = ?, file_size = ?, duration = ?,
			ended_at_utc_ns = ?, updated_at_utc_ns = ?
		WHERE id = ?`,
		string(models.RecordingAvailable), storageKey, fileSize, duration,
		endedAt.UTC().UnixNano(), time.Now().UTC().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("mark recording available: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.ErrRecordingNotFound
	}
	return nil
}

func nsOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func scanRecording(row rowScanner) (*models.Recording, error) {
	var rec models.Recording
	var status string
	var startedNs, endedNs, createdNs, updatedNs int64

	if err := row.Scan(&rec.ID, &rec.StudioID, &rec.SessionID, &rec.UserID, &rec.Type, &status,
		&rec.StorageKey, &rec.FileSize, &rec.Duration, &startedNs, &endedNs, &createdNs, &updatedNs); err != nil {
		return nil, err
	}

	parsed, err := models.ParseRecordingStatus(status)
	if err != nil {
		return nil, fmt.Errorf("recordings store contains invalid status: %w", err)
	}

	rec.Status = parsed
	rec.StartedAt = time.Unix(0, startedNs).UTC()
	if endedNs != 0 {
		rec.EndedAt = time.Unix(0, endedNs).UTC()
	}
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	rec.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &rec, nil
}
