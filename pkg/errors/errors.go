// Package errors provides a structured error system for object-store
// operations with error codes, retryability hints, and context.
package errors

import (
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrCodeCredentialsMissing ErrorCode = "CREDENTIALS_MISSING"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage errors
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"

	// Filesystem errors
	ErrCodePathInvalid    ErrorCode = "PATH_INVALID"
	ErrCodeIsDirectory    ErrorCode = "IS_DIRECTORY"
	ErrCodeNotDirectory   ErrorCode = "NOT_DIRECTORY"
	ErrCodeNotEmpty       ErrorCode = "NOT_EMPTY"
	ErrCodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalidSeek    ErrorCode = "INVALID_SEEK"
	ErrCodeHandleClosed   ErrorCode = "HANDLE_CLOSED"
	ErrCodeHandleInError  ErrorCode = "HANDLE_IN_ERROR"
	ErrCodeReadOnlyHandle ErrorCode = "READ_ONLY_HANDLE"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInvalidResponse   ErrorCode = "INVALID_RESPONSE"
	ErrCodeTooManyParts      ErrorCode = "TOO_MANY_PARTS"
	ErrCodeRestartMismatch   ErrorCode = "RESTART_MISMATCH"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error with a code, retryability hint, and
// optional operation context. It supports errors.Is matching by code
// and errors.Unwrap to the underlying cause.
type Error struct {
	Code      ErrorCode         `json:"code"`
	Message   string            `json:"message"`
	Operation string            `json:"operation,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
	Retryable bool              `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	if e.Operation != "" {
		sb.WriteString("[")
		sb.WriteString(e.Operation)
		sb.WriteString("] ")
	}
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two structured errors by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a structured error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByDefault(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error wrapping a cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithOperation sets the operation name on the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithContext attaches a key/value pair to the error.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the default retryability of the error code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// isRetryableByDefault reports whether errors of this code are worth
// retrying without further classification.
func isRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeNetworkError:
		return true
	}
	return false
}

// Code extracts the ErrorCode from err, or ErrCodeInternalError when err
// is not a structured error.
func Code(err error) ErrorCode {
	var e *Error
	if stderr.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// IsNotFound reports whether err represents a missing object or bucket.
// Not-found is a normal result for Stat-like probes, never a hard failure.
func IsNotFound(err error) bool {
	c := Code(err)
	return c == ErrCodeObjectNotFound || c == ErrCodeBucketNotFound
}

// IsRetryable reports whether err carries a retryable hint.
func IsRetryable(err error) bool {
	var e *Error
	if stderr.As(err, &e) {
		return e.Retryable
	}
	return false
}
