package session

import (
	"time"
)

// Status is the lifecycle state of a recording session
type Status string

const (
	StatusActive     Status = "active"
	StatusPending    Status = "pending"
	StatusRecording  Status = "recording"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusRemoved    Status = "removed"
	StatusFailed     Status = "failed"
	StatusInvalid    Status = "invalid"
)

// AllStatuses lists the taxonomy in lifecycle order
var AllStatuses = []Status{
	StatusActive, StatusPending, StatusRecording, StatusUploading, StatusProcessing,
	StatusCompleted, StatusExpired, StatusRemoved, StatusFailed, StatusInvalid,
}

// Valid reports whether s belongs to the taxonomy
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further lifecycle transitions are expected
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusRemoved, StatusFailed:
		return true
	default:
		return false
	}
}

// Recordable reports whether a new recording may start in this status
func (s Status) Recordable() bool {
	switch s {
	case StatusActive, StatusPending, StatusRecording, StatusUploading, StatusFailed:
		return true
	default:
		return false
	}
}

// Record is the remote session document
type Record struct {
	SessionID     string        `json:"session_id"`
	Status        Status        `json:"status"`
	ExpiresAt     time.Time     `json:"expires_at"`
	QuestionText  string        `json:"question_text,omitempty"`
	RecordingData RecordingData `json:"recording_data"`
	StoragePaths  []string      `json:"storage_paths,omitempty"`
	Error         *Failure      `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RecordingData tracks upload progress on the session document
type RecordingData struct {
	UploadProgress    int    `json:"upload_progress"`
	ChunksUploaded    int    `json:"chunks_uploaded"`
	LastChunkUploaded int    `json:"last_chunk_uploaded"`
	FileSize          int64  `json:"file_size"`
	MimeType          string `json:"mime_type,omitempty"`
}

// Failure is the structured error written when an upload cannot complete
type Failure struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Retryable  bool      `json:"retryable"`
	RetryCount int       `json:"retry_count"`
}

// Update is a partial, non-transactional merge into a Record. Nil and zero
// fields are left untouched.
type Update struct {
	Status            Status   `json:"status,omitempty"`
	UploadProgress    *int     `json:"upload_progress,omitempty"`
	ChunksUploaded    *int     `json:"chunks_uploaded,omitempty"`
	LastChunkUploaded *int     `json:"last_chunk_uploaded,omitempty"`
	FileSize          *int64   `json:"file_size,omitempty"`
	MimeType          string   `json:"mime_type,omitempty"`
	StoragePaths      []string `json:"storage_paths,omitempty"`
	Error             *Failure `json:"error,omitempty"`
	ClearError        bool     `json:"clear_error,omitempty"`
}

// Apply merges the update into rec
func (u Update) Apply(rec *Record, now time.Time) {
	if u.Status != "" {
		rec.Status = u.Status
	}
	if u.UploadProgress != nil {
		rec.RecordingData.UploadProgress = *u.UploadProgress
	}
	if u.ChunksUploaded != nil {
		rec.RecordingData.ChunksUploaded = *u.ChunksUploaded
	}
	if u.LastChunkUploaded != nil {
		rec.RecordingData.LastChunkUploaded = *u.LastChunkUploaded
	}
	if u.FileSize != nil {
		rec.RecordingData.FileSize = *u.FileSize
	}
	if u.MimeType != "" {
		rec.RecordingData.MimeType = u.MimeType
	}
	if u.StoragePaths != nil {
		rec.StoragePaths = append([]string(nil), u.StoragePaths...)
	}
	if u.ClearError {
		rec.Error = nil
	}
	if u.Error != nil {
		failure := *u.Error
		rec.Error = &failure
	}
	rec.UpdatedAt = now
}

// Empty reports whether the update changes nothing
func (u Update) Empty() bool {
	return u.Status == "" && u.UploadProgress == nil && u.ChunksUploaded == nil &&
		u.LastChunkUploaded == nil && u.FileSize == nil && u.MimeType == "" &&
		u.StoragePaths == nil && u.Error == nil && !u.ClearError
}

// Resolve returns the effective status of a record at now. A removed session
// stays removed; otherwise a passed expiry overrides whatever status is stored.
func Resolve(rec *Record, now time.Time) Status {
	if rec == nil {
		return StatusInvalid
	}
	if rec.Status == StatusRemoved {
		return StatusRemoved
	}
	if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
		return StatusExpired
	}
	if !rec.Status.Valid() {
		return StatusInvalid
	}
	return rec.Status
}

// StatusMessage describes a status to the person recording
func StatusMessage(s Status) string {
	switch s {
	case StatusActive, StatusPending:
		return "Ready to record."
	case StatusRecording:
		return "Recording in progress."
	case StatusUploading:
		return "Uploading your recording."
	case StatusProcessing:
		return "Your recording was received and is being processed."
	case StatusCompleted:
		return "This story has already been recorded. Thank you!"
	case StatusExpired:
		return "This recording link has expired. Please ask the sender for a new link."
	case StatusRemoved:
		return "This recording request was removed by the sender."
	case StatusFailed:
		return "The last upload failed. You can try recording again."
	default:
		return "This recording link is not valid. Please check the link you were sent."
	}
}

// Int returns a pointer to v, for building updates
func Int(v int) *int {
	return &v
}

// Int64 returns a pointer to v, for building updates
func Int64(v int64) *int64 {
	return &v
}
