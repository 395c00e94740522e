package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrorKind classifies a capture failure
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindDeviceNotFound   ErrorKind = "device-not-found"
	KindNotSupported     ErrorKind = "capture-not-supported"
	KindUnsatisfiable    ErrorKind = "constraints-unsatisfiable"
	KindOther            ErrorKind = "other"
)

var (
	ErrDeviceBusy    = errors.New("capture device is in use")
	ErrDeviceRemoved = errors.New("capture device was removed")
)

// Error is a classified capture failure
type Error struct {
	Kind ErrorKind
	Err  error
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
	case KindPermissionDenied:
		return "Camera or microphone access was denied. Please allow access and try again."
	case KindDeviceNotFound:
		return "No camera or microphone was found. Please connect a device and try again."
	case KindNotSupported:
		return "Recording is not supported on this device."
	case KindUnsatisfiable:
		return "Your camera or microphone does not support the required settings."
	default:
		if errors.Is(e.Err, ErrDeviceBusy) {
			return "Your camera or microphone is being used by another application."
		}
		return "Could not access your camera or microphone. Please try again."
	}
}

// Classify maps any error onto a capture Error. Errors that are already
// classified pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return &Error{Kind: KindPermissionDenied, Err: err}
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.ENXIO), errors.Is(err, ErrDeviceRemoved):
		return &Error{Kind: KindDeviceNotFound, Err: err}
	case errors.Is(err, exec.ErrNotFound):
		return &Error{Kind: KindNotSupported, Err: err}
	default:
		return &Error{Kind: KindOther, Err: err}
	}
}

// KindOf returns the kind of a capture error, or KindOther
func KindOf(err error) ErrorKind {
	if ce := Classify(err); ce != nil {
		return ce.Kind
	}
	return KindOther
}

// classifyStderr inspects encoder diagnostics
func classifyStderr(stderr string) ErrorKind {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied"), strings.Contains(s, "operation not permitted"):
		return KindPermissionDenied
	case strings.Contains(s, "no such file or directory"), strings.Contains(s, "no such device"),
		strings.Contains(s, "cannot open audio device"):
		return KindDeviceNotFound
	case strings.Contains(s, "unknown input format"), strings.Contains(s, "unknown encoder"),
		strings.Contains(s, "encoder not found"):
		return KindNotSupported
	case strings.Contains(s, "invalid argument"), strings.Contains(s, "not supported by the device"),
		strings.Contains(s, "could not set video options"):
		return KindUnsatisfiable
	default:
		return KindOther
	}
}
