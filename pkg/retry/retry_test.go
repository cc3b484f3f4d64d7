package retry

import (
	"context"
	"io"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSGeo/gdal-sub056/pkg/errors"
)

func TestRetryableStatus(t *testing.T) {
	assert.True(t, RetryableStatus(http.StatusRequestTimeout))
	assert.True(t, RetryableStatus(http.StatusTooManyRequests))
	assert.True(t, RetryableStatus(http.StatusInternalServerError))
	assert.True(t, RetryableStatus(http.StatusServiceUnavailable))
	assert.False(t, RetryableStatus(http.StatusOK))
	assert.False(t, RetryableStatus(http.StatusNotFound))
	assert.False(t, RetryableStatus(http.StatusForbidden))
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(syscall.ECONNRESET))
	assert.True(t, IsTransientError(syscall.ECONNREFUSED))
	assert.True(t, IsTransientError(io.ErrUnexpectedEOF))
	assert.True(t, IsTransientError(
		errors.New(errors.ErrCodeNetworkError, "flaky").WithRetryable(true)))
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New(errors.ErrCodeAccessDenied, "denied")))
}

func TestPolicyBoundsTotalAttempts(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2})
	resp := &http.Response{StatusCode: http.StatusInternalServerError}

	// Two retries on top of the first attempt.
	assert.True(t, p.CanRetry(resp, nil))
	assert.True(t, p.CanRetry(resp, nil))
	assert.False(t, p.CanRetry(resp, nil))
	assert.Equal(t, 2, p.Attempts())
}

func TestPolicyRefusesNonRetryable(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: time.Millisecond})
	assert.False(t, p.CanRetry(&http.Response{StatusCode: http.StatusNotFound}, nil))
	assert.Equal(t, 0, p.Attempts())
}

func TestPolicyDelayGrows(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})
	resp := &http.Response{StatusCode: http.StatusServiceUnavailable}

	require.True(t, p.CanRetry(resp, nil))
	first := p.CurrentDelay()
	require.True(t, p.CanRetry(resp, nil))
	second := p.CurrentDelay()
	assert.Greater(t, second, first)
}

func TestPolicyOnRetryCallback(t *testing.T) {
	var calls []int
	p := NewPolicy(Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry:      func(attempt int, _ time.Duration) { calls = append(calls, attempt) },
	})
	resp := &http.Response{StatusCode: http.StatusInternalServerError}
	p.CanRetry(resp, nil)
	p.CanRetry(resp, nil)
	assert.Equal(t, []int{1, 2}, calls)
}

func TestSleepHonorsContext(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 2, InitialDelay: time.Minute})
	require.True(t, p.CanRetry(&http.Response{StatusCode: 500}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Sleep(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.Code(err))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 4, InitialDelay: time.Millisecond},
		func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New(errors.ErrCodeNetworkError, "flaky").WithRetryable(true)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 4, InitialDelay: time.Millisecond},
		func(context.Context) error {
			attempts++
			return errors.New(errors.ErrCodeAccessDenied, "denied")
		})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, InitialDelay: time.Millisecond},
		func(context.Context) error {
			attempts++
			return errors.New(errors.ErrCodeNetworkError, "flaky").WithRetryable(true)
		})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRetryExhausted, errors.Code(err))
	assert.Equal(t, 3, attempts)
}
