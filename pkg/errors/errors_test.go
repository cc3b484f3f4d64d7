package errors

import (
	stderr "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	e := New(ErrCodeObjectNotFound, "no such key").WithOperation("GET")
	assert.Equal(t, "[GET] OBJECT_NOT_FOUND: no such key", e.Error())

	wrapped := Wrap(ErrCodeStorageRead, "read failed", stderr.New("boom"))
	assert.Equal(t, "STORAGE_READ: read failed: boom", wrapped.Error())
}

func TestUnwrap(t *testing.T) {
	cause := stderr.New("underlying")
	e := Wrap(ErrCodeNetworkError, "request failed", cause)
	assert.True(t, stderr.Is(e, cause))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeAccessDenied, "one")
	b := New(ErrCodeAccessDenied, "another")
	assert.True(t, stderr.Is(a, b))
	assert.False(t, stderr.Is(a, New(ErrCodeObjectNotFound, "other")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotEmpty, Code(New(ErrCodeNotEmpty, "dir has entries")))
	assert.Equal(t, ErrCodeInternalError, Code(stderr.New("plain")))

	// Extraction sees through fmt wrapping.
	wrapped := fmt.Errorf("outer: %w", New(ErrCodeAccessDenied, "denied"))
	assert.Equal(t, ErrCodeAccessDenied, Code(wrapped))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(New(ErrCodeObjectNotFound, "gone")))
	assert.True(t, IsNotFound(New(ErrCodeBucketNotFound, "gone")))
	assert.False(t, IsNotFound(New(ErrCodeAccessDenied, "denied")))
	assert.False(t, IsNotFound(stderr.New("plain")))
}

func TestRetryableDefaults(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeNetworkError, "reset")))
	assert.True(t, IsRetryable(New(ErrCodeConnectionTimeout, "slow")))
	assert.False(t, IsRetryable(New(ErrCodeAccessDenied, "denied")))
	assert.True(t, IsRetryable(New(ErrCodeOperationFailed, "503").WithRetryable(true)))
	assert.False(t, IsRetryable(New(ErrCodeNetworkError, "reset").WithRetryable(false)))
}

func TestWithContext(t *testing.T) {
	e := New(ErrCodeOperationFailed, "put failed").
		WithContext("key", "a/b.txt").
		WithContext("status", "500")
	assert.Equal(t, "a/b.txt", e.Context["key"])
	assert.Equal(t, "500", e.Context["status"])
}
