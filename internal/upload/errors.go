package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/loveretold/recording/internal/storage"
)

// ErrClosed is returned after a progressive upload has been cleaned up
var ErrClosed = errors.New("upload cleaned up")

// ErrorKind classifies upload failures surfaced to callers
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindQuotaExceeded  ErrorKind = "quota-exceeded"
	KindInvalidFormat  ErrorKind = "invalid-format"
	KindRetryExhausted ErrorKind = "retry-limit-exceeded"
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindUnknown        ErrorKind = "unknown"
)

// Error is a classified upload failure
type Error struct {
	Kind     ErrorKind
	Op       string
	Attempts int
	// Missing lists chunk indices that never reached storage
	Missing []int
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("upload %s: %s", e.Op, e.Kind)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(" (missing chunks %v)", e.Missing)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the upload may succeed
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindQuotaExceeded, KindInvalidFormat:
		return false
	default:
		return true
	}
}

// Message returns the text shown to the person recording
func (e *Error) Message() string {
	switch e.Kind {
	case KindAuth:
		return "Your upload was not authorized. Please ask the sender for a new link."
	case KindQuotaExceeded:
		return "There is no storage space left for this recording. Please contact the sender."
	case KindInvalidFormat:
		return "This recording could not be uploaded because its format was not accepted."
	case KindRetryExhausted:
		return "We couldn't upload your recording after several attempts. Please check your connection and try again."
	case KindNetwork:
		return "A network problem interrupted the upload. Please check your connection and try again."
	case KindTimeout:
		return "The upload took too long. Please try again."
	default:
		return "Something went wrong while uploading your recording. Please try again."
	}
}

// UserMessage returns a non-empty message for any upload error
func UserMessage(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Message()
	}
	return (&Error{Kind: KindUnknown}).Message()
}

// KindOf returns the kind of err, or "" when err is not an upload error
func KindOf(err error) ErrorKind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// kindFor maps a storage failure onto the upload taxonomy
func kindFor(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	switch storage.CodeOf(err) {
	case storage.CodeAuth:
		return KindAuth
	case storage.CodeQuotaExceeded:
		return KindQuotaExceeded
	case storage.CodeInvalid:
		return KindInvalidFormat
	case storage.CodeNetwork:
		return KindNetwork
	case storage.CodeTimeout:
		return KindTimeout
	default:
		return KindUnknown
	}
}
