package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
)

// Code classifies a storage failure
type Code string

const (
	CodeAuth          Code = "auth"
	CodeQuotaExceeded Code = "quota-exceeded"
	CodeInvalid       Code = "invalid-format"
	CodeNotFound      Code = "not-found"
	CodeNetwork       Code = "network"
	CodeTimeout       Code = "timeout"
	CodeUnknown       Code = "unknown"
)

// Retryable reports whether an operation failing with this code may
// succeed when repeated
func (c Code) Retryable() bool {
	switch c {
	case CodeAuth, CodeInvalid, CodeQuotaExceeded:
		return false
	default:
		return true
	}
}

// Error is a classified storage failure
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var apiCodes = map[string]Code{
	"AccessDenied":          CodeAuth,
	"InvalidAccessKeyId":    CodeAuth,
	"SignatureDoesNotMatch": CodeAuth,
	"ExpiredToken":          CodeAuth,
	"InvalidToken":          CodeAuth,
	"AllAccessDisabled":     CodeAuth,
	"QuotaExceeded":         CodeQuotaExceeded,
	"XMinioStorageFull":     CodeQuotaExceeded,
	"EntityTooLarge":        CodeInvalid,
	"EntityTooSmall":        CodeInvalid,
	"InvalidArgument":       CodeInvalid,
	"InvalidRequest":        CodeInvalid,
	"InvalidObjectName":     CodeInvalid,
	"KeyTooLongError":       CodeInvalid,
	"NoSuchBucket":          CodeNotFound,
	"NoSuchKey":             CodeNotFound,
	"NotFound":              CodeNotFound,
	"RequestTimeout":        CodeTimeout,
	"SlowDown":              CodeNetwork,
	"ServiceUnavailable":    CodeNetwork,
	"InternalError":         CodeNetwork,
}

func codeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusRequestEntityTooLarge || status == http.StatusBadRequest:
		return CodeInvalid
	case status == http.StatusInsufficientStorage:
		return CodeQuotaExceeded
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeNetwork
	default:
		return CodeUnknown
	}
}

// CodeOf classifies any error returned by the S3 or MinIO clients
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiCodes[apiErr.ErrorCode()]; ok {
			return code
		}
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		if code, ok := apiCodes[minioErr.Code]; ok {
			return code
		}
		if minioErr.StatusCode != 0 {
			return codeForStatus(minioErr.StatusCode)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}

	return CodeUnknown
}

// wrap classifies err for op on path
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeOf(err), Op: op, Path: path, Err: err}
}
