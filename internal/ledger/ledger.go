package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Chunk statuses written to the ledger
const (
	StatusUploaded = "UPLOADED"
	StatusFailed   = "FAILED"
)

// Entry indexes one stored chunk object for downstream merge workers
type Entry struct {
	ID         uuid.UUID `json:"id"`
	SessionID  string    `json:"session_id"`
	ChunkIndex int       `json:"chunk_index"`
	ObjectPath string    `json:"object_path"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Ledger records uploaded chunk objects. Writes replace an existing entry for
// the same session and chunk index.
type Ledger interface {
	RecordChunk(ctx context.Context, entry Entry) error
	Chunks(ctx context.Context, sessionID string) ([]Entry, error)
	Close() error
}

// Nop drops every entry
type Nop struct{}

func (Nop) RecordChunk(context.Context, Entry) error        { return nil }
func (Nop) Chunks(context.Context, string) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                                    { return nil }

func prepare(entry Entry) Entry {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = StatusUploaded
	}
	if entry.UploadedAt.IsZero() {
		entry.UploadedAt = time.Now()
	}
	entry.UploadedAt = entry.UploadedAt.UTC()
	return entry
}
