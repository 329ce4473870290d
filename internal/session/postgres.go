package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that PostgresRepository implements Repository.
var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository is a Postgres implementation of Repository using
// plain database/sql. Optimistic concurrency is enforced with a
// row_version column checked in the UPDATE predicate.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new Postgres-backed session repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id                      TEXT PRIMARY KEY,
	user_id                 TEXT NOT NULL,
	client_request_id       TEXT,
	correlation_id          TEXT NOT NULL,
	file_name               TEXT NOT NULL,
	declared_content_type   TEXT NOT NULL,
	size_bytes              BIGINT NOT NULL,
	storage_key             TEXT NOT NULL UNIQUE,
	bucket                  TEXT NOT NULL,
	provider                TEXT NOT NULL,
	upload_id               TEXT,
	part_size_bytes         BIGINT NOT NULL DEFAULT 0,
	etag                    TEXT,
	detected_container_type TEXT,
	detected_media_type     TEXT,
	duration_seconds        DOUBLE PRECISION,
	status                  TEXT NOT NULL,
	error_message           TEXT,
	created_at              TIMESTAMPTZ NOT NULL,
	expires_at              TIMESTAMPTZ,
	url_expires_at          TIMESTAMPTZ,
	uploaded_at             TIMESTAMPTZ,
	validated_at            TIMESTAMPTZ,
	deleted_at              TIMESTAMPTZ,
	row_version             BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS upload_sessions_user_request
	ON upload_sessions (user_id, client_request_id);
CREATE INDEX IF NOT EXISTS upload_sessions_expiry
	ON upload_sessions (expires_at) WHERE status IN ('CREATED', 'UPLOADING');
`

// EnsureSchema creates the upload_sessions table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("session: ensure schema: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, client_request_id, correlation_id, file_name,
	declared_content_type, size_bytes, storage_key, bucket, provider, upload_id,
	part_size_bytes, etag, detected_container_type, detected_media_type,
	duration_seconds, status, error_message, created_at, expires_at,
	url_expires_at, uploaded_at, validated_at, deleted_at, row_version`

// Create persists a new session with row_version 1.
func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	s.RowVersion = 1
	query := `INSERT INTO upload_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.UserID, nullString(s.ClientRequestID), s.CorrelationID, s.FileName,
		s.DeclaredContentType, s.SizeBytes, s.StorageKey, s.Bucket, s.Provider,
		nullString(s.UploadID), s.PartSizeBytes, nullString(s.ETag),
		nullString(s.DetectedContainerType), nullString(string(s.DetectedMediaType)),
		nullFloat(s.DurationSeconds), string(s.Status), nullString(s.ErrorMessage),
		s.CreatedAt, nullTime(s.ExpiresAt), nullTime(s.URLExpiresAt),
		nullTime(s.UploadedAt), nullTime(s.ValidatedAt), nullTime(s.DeletedAt),
		s.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

// Update writes the session guarded by its row version.
func (r *PostgresRepository) Update(ctx context.Context, s *Session) error {
	query := `UPDATE upload_sessions SET
		size_bytes = $1, upload_id = $2, etag = $3, detected_container_type = $4,
		detected_media_type = $5, duration_seconds = $6, status = $7,
		error_message = $8, url_expires_at = $9, uploaded_at = $10,
		validated_at = $11, deleted_at = $12, row_version = row_version + 1
		WHERE id = $13 AND row_version = $14`
	res, err := r.db.ExecContext(ctx, query,
		s.SizeBytes, nullString(s.UploadID), nullString(s.ETag),
		nullString(s.DetectedContainerType), nullString(string(s.DetectedMediaType)),
		nullFloat(s.DurationSeconds), string(s.Status), nullString(s.ErrorMessage),
		nullTime(s.URLExpiresAt), nullTime(s.UploadedAt), nullTime(s.ValidatedAt),
		nullTime(s.DeletedAt), s.ID, s.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("session: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session: update rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM upload_sessions WHERE id = $1)`, s.ID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("session: update recheck: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	s.RowVersion++
	return nil
}

// FindByID retrieves a session by its identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// FindByClientRequestID retrieves the non-aborted session matching an
// idempotency key for the given user.
func (r *PostgresRepository) FindByClientRequestID(ctx context.Context, userID, clientRequestID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE user_id = $1 AND client_request_id = $2 AND status <> $3
		ORDER BY created_at DESC LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID, clientRequestID, string(StatusAborted)))
}

// ListExpired returns pending sessions past their TTL.
func (r *PostgresRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE status IN ($1, $2) AND expires_at < $3
		ORDER BY expires_at LIMIT $4`
	rows, err := r.db.QueryContext(ctx, query,
		string(StatusCreated), string(StatusUploading), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("session: list expired: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: list expired: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*Session, error) {
	s, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) scanRow(row rowScanner) (*Session, error) {
	var s Session
	var clientRequestID, uploadID, etag, containerType, mediaType, errorMessage sql.NullString
	var duration sql.NullFloat64
	var status string
	var expiresAt, urlExpiresAt, uploadedAt, validatedAt, deletedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.UserID, &clientRequestID, &s.CorrelationID, &s.FileName,
		&s.DeclaredContentType, &s.SizeBytes, &s.StorageKey, &s.Bucket, &s.Provider,
		&uploadID, &s.PartSizeBytes, &etag, &containerType, &mediaType,
		&duration, &status, &errorMessage, &s.CreatedAt, &expiresAt,
		&urlExpiresAt, &uploadedAt, &validatedAt, &deletedAt, &s.RowVersion,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("session: scan: %w", err)
	}

	s.ClientRequestID = clientRequestID.String
	s.UploadID = uploadID.String
	s.ETag = etag.String
	s.DetectedContainerType = containerType.String
	s.DetectedMediaType = MediaType(mediaType.String)
	s.DurationSeconds = duration.Float64
	s.Status = Status(status)
	s.ErrorMessage = errorMessage.String
	s.ExpiresAt = timeOrZero(expiresAt)
	s.URLExpiresAt = timeOrZero(urlExpiresAt)
	s.UploadedAt = timeOrZero(uploadedAt)
	s.ValidatedAt = timeOrZero(validatedAt)
	s.DeletedAt = timeOrZero(deletedAt)
	return &s, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: v != 0}
}

func nullTime(v time.Time) sql.NullTime {
	return sql.NullTime{Time: v, Valid: !v.IsZero()}
}

func timeOrZero(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time
}
