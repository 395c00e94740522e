package session

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a session record does not exist
var ErrNotFound = errors.New("session not found")

// ErrorKind classifies session lookup failures
type ErrorKind string

const (
	KindInvalidFormat ErrorKind = "session-invalid-format"
	KindNotFound      ErrorKind = "session-not-found"
	KindExpired       ErrorKind = "session-expired"
	KindRemoved       ErrorKind = "session-removed"
	KindCompleted     ErrorKind = "session-completed"
	KindUnavailable   ErrorKind = "session-unavailable"
)

// Error is a classified session error with a user-facing message
type Error struct {
	Kind ErrorKind
	Err  error
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the text shown to the person recording
func (e *Error) Message() string {
	switch e.Kind {
	case KindInvalidFormat:
		return "This recording link is not valid. Please check the link you were sent."
	case KindNotFound:
		return "We couldn't find this recording session. Please ask the sender for a new link."
	case KindExpired:
		return "This recording link has expired. Please ask the sender for a new link."
	case KindRemoved:
		return "This recording request was removed by the sender."
	case KindCompleted:
		return "This story has already been recorded. Thank you!"
	case KindUnavailable:
		return "We couldn't check this recording session right now. Please try again in a moment."
	default:
		return "Something went wrong with this recording session."
	}
}

// UserMessage returns a non-empty message for any error
func UserMessage(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message()
	}
	return "Something went wrong with this recording session."
}

// KindOf returns the classified kind of err, or "" when err is not a session error
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
