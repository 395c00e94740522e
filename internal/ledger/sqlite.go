package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const createChunksTable = `CREATE TABLE IF NOT EXISTS recording_chunks (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	object_path TEXT NOT NULL,
	file_size   INTEGER NOT NULL,
	etag        TEXT NOT NULL DEFAULT '',
	mime_type   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	uploaded_at TEXT NOT NULL,
	UNIQUE (session_id, chunk_index)
)`

// SQLiteLedger keeps the ledger in a local SQLite file
type SQLiteLedger struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite opens or creates the ledger database at path. ":memory:" keeps
// it in memory.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(createChunksTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create recording_chunks: %w", err)
	}

	logger.Info("Chunk ledger opened", zap.String("path", path))
	return &SQLiteLedger{db: db, path: path, logger: logger}, nil
}

func (l *SQLiteLedger) RecordChunk(ctx context.Context, entry Entry) error {
	entry = prepare(entry)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO recording_chunks
			(id, session_id, chunk_index, object_path, file_size, etag, mime_type, status, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, chunk_index) DO UPDATE SET
			object_path = excluded.object_path,
			file_size = excluded.file_size,
			etag = excluded.etag,
			mime_type = excluded.mime_type,
			status = excluded.status,
			uploaded_at = excluded.uploaded_at`,
		entry.ID.String(), entry.SessionID, entry.ChunkIndex, entry.ObjectPath, entry.Size,
		entry.ETag, entry.MimeType, entry.Status, entry.UploadedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record chunk %d: %w", entry.ChunkIndex, err)
	}
	return nil
}

func (l *SQLiteLedger) Chunks(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, chunk_index, object_path, file_size, etag, mime_type, status, uploaded_at
		FROM recording_chunks WHERE session_id = ? ORDER BY chunk_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			id         string
			uploadedAt string
		)
		if err := rows.Scan(&id, &e.SessionID, &e.ChunkIndex, &e.ObjectPath, &e.Size,
			&e.ETag, &e.MimeType, &e.Status, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse chunk id: %w", err)
		}
		if e.UploadedAt, err = time.Parse(time.RFC3339Nano, uploadedAt); err != nil {
			return nil, fmt.Errorf("parse uploaded_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
