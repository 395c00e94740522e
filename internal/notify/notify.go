package notify

import (
	"context"
	"errors"
	"time"
)

// Message announces a recording whose media is durably stored
type Message struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	PromptID      string    `json:"prompt_id"`
	StorytellerID string    `json:"storyteller_id"`
	Mode          string    `json:"mode"`
	MimeType      string    `json:"mime_type"`
	TotalChunks   int       `json:"total_chunks"`
	FileSize      int64     `json:"file_size"`
	StoragePaths  []string  `json:"storage_paths"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// Notifier tells downstream services that a recording finished uploading
type Notifier interface {
	RecordingUploaded(ctx context.Context, msg Message) error
}

// Nop notifies nobody
type Nop struct{}

func (Nop) RecordingUploaded(context.Context, Message) error { return nil }

// Multi delivers to every notifier and joins their errors
type Multi []Notifier

func (m Multi) RecordingUploaded(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.RecordingUploaded(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
