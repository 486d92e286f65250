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
	"github.com/seashore/seashore-services-uploads/logging"
	"github.com/seashore/seashore-services-uploads/models"
	"github.com/seashore/seashore-services-uploads/retries"
)

const uploadLogSchema = `
CREATE TABLE IF NOT EXISTS recordings (
	session_id TEXT PRIMARY KEY,
	upload_id TEXT NOT NULL DEFAULT '',
	recording_id TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL DEFAULT '',
	studio_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'camera',
	started_at_utc_ns INTEGER NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	session_id TEXT NOT NULL,
	sequence_id INTEGER NOT NULL,
	part_number INTEGER NOT NULL DEFAULT 0,
	blob BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	etag TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, sequence_id)
);

CREATE TABLE IF NOT EXISTS part_receipts (
	session_id TEXT NOT NULL,
	part_number INTEGER NOT NULL,
	etag TEXT NOT NULL,
	PRIMARY KEY (session_id, part_number)
);
`

// UploadLog is the local durable log backing crash recovery. Every captured
// chunk is confirmed persisted here before it is handed off for network
// transfer.
type UploadLog interface {
	PutSession(ctx context.Context, session models.RecordingSession) error
	SetUploadInfo(ctx context.Context, sessionID, uploadID, recordingID, storageKey string) error
	GetSession(ctx context.Context, sessionID string) (*models.RecordingSession, error)
	AppendChunk(ctx context.Context, sessionID string, sequenceID int64, blob []byte) error
	MarkPartUploaded(ctx context.Context, sessionID string, receipt models.PartReceipt, coveredSequenceIDs []int64) error
	MarkChunkUploaded(ctx context.Context, sessionID string, sequenceID int64, etag string) error
	ListPendingSessions(ctx context.Context) ([]models.RecordingSession, error)
	ListChunks(ctx context.Context, sessionID string) ([]models.Chunk, error)
	ListPartReceipts(ctx context.Context, sessionID string) ([]models.PartReceipt, error)
	DeleteSession(ctx context.Context, sessionID string) error

	health.ReadinessCheck
}

type SqliteUploadLogImpl struct {
	db     *sql.DB
	logger logging.Logger
}

func NewSqliteUploadLogImpl(path string, l logging.Logger) (*SqliteUploadLogImpl, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open upload log: %w", err)
	}
	// single writer keeps transactions serialized
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("upload log ping failed: %w", err)
	}

	if _, err := db.Exec(uploadLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create upload log schema: %w", err)
	}

	return &SqliteUploadLogImpl{db: db, logger: l}, nil
}

func (s *SqliteUploadLogImpl) Close() error {
	return s.db.Close()
}

func (s *SqliteUploadLogImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SqliteUploadLogImpl) Name() string {
	return "UploadLog[sqlite]"
}

func (s *SqliteUploadLogImpl) PutSession(ctx context.Context, session models.RecordingSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (session_id, upload_id, recording_id, storage_key, studio_id, user_id, type, started_at_utc_ns, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			upload_id = excluded.upload_id,
			recording_id = excluded.recording_id,
			storage_key = excluded.storage_key,
			status = excluded.status`,
		session.SessionID, session.UploadID, session.RecordingID, session.StorageKey,
		session.StudioID, session.UserID, session.Type,
		session.StartedAt.UTC().UnixNano(), string(session.Status),
	)
	if err != nil {
		s.logger.Error("failed to put session", "session_id", session.SessionID, "error", err)
		return fmt.Errorf("%w: put session: %w", apperror.ErrDurableWriteFailed, err)
	}
	return nil
}

func (s *SqliteUploadLogImpl) SetUploadInfo(ctx context.Context, sessionID, uploadID, recordingID, storageKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET upload_id = ?, recording_id = ?, storage_key = ?, status = ?
		WHERE session_id = ?`,
		uploadID, recordingID, storageKey, string(models.SessionUploading), sessionID,
	)
	if err != nil {
		s.logger.Error("failed to set upload info", "session_id", sessionID, "error", err)
		return fmt.Errorf("%w: set upload info: %w", apperror.ErrDurableWriteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.ErrSessionNotFound
	}
	return nil
}

func (s *SqliteUploadLogImpl) GetSession(ctx context.Context, sessionID string) (*models.RecordingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, upload_id, recording_id, storage_key, studio_id, user_id, type, started_at_utc_ns, status
		FROM recordings WHERE session_id = ?`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SqliteUploadLogImpl) AppendChunk(ctx context.Context, sessionID string, sequenceID int64, blob []byte) error {
	err := retries.Retry(ctx, retries.DbAttempts, retries.DbBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chunks (session_id, sequence_id, blob, status)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, sequence_id) DO NOTHING`,
			sessionID, sequenceID, blob, string(models.ChunkPending),
		)
		return err
	}, retries.IsRetriableDbError)
	if err != nil {
		s.logger.Error("failed to append chunk", "session_id", sessionID, "sequence_id", sequenceID, "error", err)
		return fmt.Errorf("%w: append chunk %d: %w", apperror.ErrDurableWriteFailed, sequenceID, err)
	}
	return nil
}

// MarkPartUploaded stores the part receipt and flips the given fully covered
// chunks to uploaded. Receipt insert and chunk updates commit in one
// transaction; repeating the call is a no-op.
func (s *SqliteUploadLogImpl) MarkPartUploaded(ctx context.Context, sessionID string, receipt models.PartReceipt, coveredSequenceIDs []int64) error {
	return retries.Retry(ctx, retries.DbAttempts, retries.DbBaseDelay, func() error {
		return s.markPartUploadedTx(ctx, sessionID, receipt, coveredSequenceIDs)
	}, retries.IsRetriableDbError)
}

func (s *SqliteUploadLogImpl) markPartUploadedTx(ctx context.Context, sessionID string, receipt models.PartReceipt, coveredSequenceIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin mark part: %w", apperror.ErrDurableWriteFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO part_receipts (session_id, part_number, etag)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, part_number) DO NOTHING`,
		sessionID, receipt.PartNumber, receipt.ETag,
	)
	if err != nil {
		s.logger.Error("failed to store part receipt", "session_id", sessionID, "part_number", receipt.PartNumber, "error", err)
		return fmt.Errorf("%w: store receipt for part %d: %w", apperror.ErrDurableWriteFailed, receipt.PartNumber, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: store receipt for part %d: %w", apperror.ErrDurableWriteFailed, receipt.PartNumber, err)
	}
	// A repeated confirmation keeps the first etag; rewriting the chunk rows
	// here would let their etag drift from the persisted receipt.
	if inserted == 0 {
		return tx.Commit()
	}

	for _, seq := range coveredSequenceIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET status = ?, etag = ?, part_number = ?
			WHERE session_id = ? AND sequence_id = ?`,
			string(models.ChunkUploaded), receipt.ETag, receipt.PartNumber, sessionID, seq,
		); err != nil {
			s.logger.Error("failed to mark chunk uploaded", "session_id", sessionID, "sequence_id", seq, "error", err)
			return fmt.Errorf("%w: mark chunk %d: %w", apperror.ErrDurableWriteFailed, seq, err)
		}
	}

	return tx.Commit()
}

func (s *SqliteUploadLogImpl) MarkChunkUploaded(ctx context.Context, sessionID string, sequenceID int64, etag string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ?, etag = ?
		WHERE session_id = ? AND sequence_id = ?`,
		string(models.ChunkUploaded), etag, sessionID, sequenceID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark chunk %d: %w", apperror.ErrDurableWriteFailed, sequenceID, err)
	}
	return nil
}

func (s *SqliteUploadLogImpl) ListPendingSessions(ctx context.Context) ([]models.RecordingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, upload_id, recording_id, storage_key, studio_id, user_id, type, started_at_utc_ns, status
		FROM recordings WHERE status != ? ORDER BY started_at_utc_ns`,
		string(models.SessionCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.RecordingSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *SqliteUploadLogImpl) ListChunks(ctx context.Context, sessionID string) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence_id, part_number, blob, status, etag
		FROM chunks WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var status string
		if err := rows.Scan(&c.SessionID, &c.SequenceID, &c.PartNumber, &c.Blob, &status, &c.ETag); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Status = models.ChunkStatus(status)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SqliteUploadLogImpl) ListPartReceipts(ctx context.Context, sessionID string) ([]models.PartReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT part_number, etag FROM part_receipts
		WHERE session_id = ? ORDER BY part_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list part receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.PartReceipt
	for rows.Next() {
		var r models.PartReceipt
		if err := rows.Scan(&r.PartNumber, &r.ETag); err != nil {
			return nil, fmt.Errorf("scan part receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// DeleteSession removes the session row, its chunks and its receipts in one
// transaction. Partial deletion would corrupt recovery, so all or nothing.
func (s *SqliteUploadLogImpl) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin delete session: %w", apperror.ErrDurableWriteFailed, err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM part_receipts WHERE session_id = ?`,
		`DELETE FROM chunks WHERE session_id = ?`,
		`DELETE FROM recordings WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			s.logger.Error("failed to delete session", "session_id", sessionID, "error", err)
			return fmt.Errorf("%w: delete session: %w", apperror.ErrDurableWriteFailed, err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.RecordingSession, error) {
	var session models.RecordingSession
	var startedAtNs int64
	var status string

	if err := row.Scan(&session.SessionID, &session.UploadID, &session.RecordingID,
		&session.StorageKey, &session.StudioID, &session.UserID, &session.Type,
		&startedAtNs, &status); err != nil {
		return nil, err
	}

	parsed, err := models.ParseSessionStatus(status)
	if err != nil {
		return nil, fmt.Errorf("upload log contains invalid status: %w", err)
	}

	session.StartedAt = time.Unix(0, startedAtNs).UTC()
	session.Status = parsed
	return &session, nil
}
