package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createSessionsTable = `CREATE TABLE IF NOT EXISTS recording_sessions (
	session_id     TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	expires_at     TIMESTAMPTZ,
	question_text  TEXT NOT NULL DEFAULT '',
	recording_data JSONB NOT NULL DEFAULT '{}'::jsonb,
	storage_paths  JSONB NOT NULL DEFAULT '[]'::jsonb,
	error          JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore keeps session records in a recording_sessions table
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresPool creates a pgx connection pool and pings the database
func NewPostgresPool(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger != nil {
		logger.Info("PostgreSQL connection pool established")
	}
	return pool, nil
}

// NewPostgresStore wraps a pool
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the sessions table when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createSessionsTable); err != nil {
		return fmt.Errorf("create recording_sessions: %w", err)
	}
	return nil
}

// Put inserts or replaces a full record
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.RecordingData)
	if err != nil {
		return fmt.Errorf("marshal recording data: %w", err)
	}
	paths, err := json.Marshal(nonNilPaths(rec.StoragePaths))
	if err != nil {
		return fmt.Errorf("marshal storage paths: %w", err)
	}
	var failure []byte
	if rec.Error != nil {
		if failure, err = json.Marshal(rec.Error); err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}
	}

	const q = `INSERT INTO recording_sessions
		(session_id, status, expires_at, question_text, recording_data, storage_paths, error)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			question_text = EXCLUDED.question_text,
			recording_data = EXCLUDED.recording_data,
			storage_paths = EXCLUDED.storage_paths,
			error = EXCLUDED.error,
			updated_at = NOW()`
	_, err = s.pool.Exec(ctx, q, rec.SessionID, string(rec.Status), nullableTime(rec.ExpiresAt),
		rec.QuestionText, string(data), string(paths), nullableJSON(failure))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Get loads a record
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	const q = `SELECT session_id, status, expires_at, question_text, recording_data, storage_paths, error, created_at, updated_at
		FROM recording_sessions WHERE session_id = $1`

	var (
		rec       Record
		status    string
		expiresAt *time.Time
		data      []byte
		paths     []byte
		failure   []byte
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&rec.SessionID, &status, &expiresAt, &rec.QuestionText,
		&data, &paths, &failure, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}

	rec.Status = Status(status)
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.RecordingData); err != nil {
			return nil, fmt.Errorf("decode recording data: %w", err)
		}
	}
	if len(paths) > 0 {
		if err := json.Unmarshal(paths, &rec.StoragePaths); err != nil {
			return nil, fmt.Errorf("decode storage paths: %w", err)
		}
	}
	if len(failure) > 0 {
		rec.Error = &Failure{}
		if err := json.Unmarshal(failure, rec.Error); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	return &rec, nil
}

// Update merges update with a single UPDATE statement; recording_data is
// merged with the jsonb || operator so untouched keys survive.
func (s *PostgresStore) Update(ctx context.Context, sessionID string, update Update) error {
	set, args, err := buildUpdate(update)
	if err != nil {
		return err
	}
	args = append(args, sessionID)
	q := fmt.Sprintf("UPDATE recording_sessions SET %s WHERE session_id = $%d", set, len(args))

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildUpdate renders the SET clause and positional args for an Update
func buildUpdate(update Update) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if update.Status != "" {
		add("status = $%d", string(update.Status))
	}

	patch := map[string]any{}
	if update.UploadProgress != nil {
		patch["upload_progress"] = *update.UploadProgress
	}
	if update.ChunksUploaded != nil {
		patch["chunks_uploaded"] = *update.ChunksUploaded
	}
	if update.LastChunkUploaded != nil {
		patch["last_chunk_uploaded"] = *update.LastChunkUploaded
	}
	if update.FileSize != nil {
		patch["file_size"] = *update.FileSize
	}
	if update.MimeType != "" {
		patch["mime_type"] = update.MimeType
	}
	if len(patch) > 0 {
		data, err := json.Marshal(patch)
		if err != nil {
			return "", nil, fmt.Errorf("marshal recording data patch: %w", err)
		}
		add("recording_data = recording_data || $%d::jsonb", string(data))
	}

	if update.StoragePaths != nil {
		data, err := json.Marshal(update.StoragePaths)
		if err != nil {
			return "", nil, fmt.Errorf("marshal storage paths: %w", err)
		}
		add("storage_paths = $%d::jsonb", string(data))
	}

	if update.Error != nil {
		data, err := json.Marshal(update.Error)
		if err != nil {
			return "", nil, fmt.Errorf("marshal failure: %w", err)
		}
		add("error = $%d::jsonb", string(data))
	} else if update.ClearError {
		clauses = append(clauses, "error = NULL")
	}

	clauses = append(clauses, "updated_at = NOW()")
	return strings.Join(clauses, ", "), args, nil
}

func nonNilPaths(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableJSON(data []byte) *string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	return &s
}
