// Package retry implements the HTTP retry policy: per-operation decisions
// about whether a failed request should be retried and after what backoff
// delay.
package retry

import (
	"context"
	stderr "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/OSGeo/gdal-sub056/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which the delay grows after each retry.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter randomizes each delay to avoid thundering herds.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Policy decides whether one logical operation may be retried. A Policy
// carries an attempt counter, so callers must construct a fresh Policy per
// operation rather than sharing one across unrelated requests.
type Policy struct {
	cfg      Config
	bo       *backoff.ExponentialBackOff
	attempts int
	delay    time.Duration
}

// NewPolicy creates a retry policy for a single logical operation.
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	if cfg.Jitter {
		bo.RandomizationFactor = 0.2
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts, not wall time
	bo.Reset()

	return &Policy{cfg: cfg, bo: bo}
}

// CanRetry inspects an HTTP response (possibly nil) and a transport error
// (possibly nil) and reports whether the operation should be attempted
// again. Each true result consumes one attempt and advances the backoff
// schedule; once MaxAttempts is exhausted CanRetry always returns false.
func (p *Policy) CanRetry(resp *http.Response, err error) bool {
	retryable := false
	switch {
	case err != nil:
		retryable = IsTransientError(err)
	case resp != nil:
		retryable = RetryableStatus(resp.StatusCode)
	}
	if !retryable {
		return false
	}

	// The first attempt is not a retry; MaxAttempts bounds the total.
	if p.attempts+1 >= p.cfg.MaxAttempts {
		return false
	}
	p.attempts++
	p.delay = p.bo.NextBackOff()
	if p.cfg.OnRetry != nil {
		p.cfg.OnRetry(p.attempts, p.delay)
	}
	return true
}

// CurrentDelay returns the backoff delay chosen by the last successful
// CanRetry call.
func (p *Policy) CurrentDelay() time.Duration {
	return p.delay
}

// Attempts returns the number of retries consumed so far.
func (p *Policy) Attempts() int {
	return p.attempts
}

// Sleep waits for the current delay or until the context is canceled.
func (p *Policy) Sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeOperationCanceled, "retry wait canceled", ctx.Err())
	case <-time.After(p.delay):
		return nil
	}
}

// RetryableStatus reports whether an HTTP status code indicates a
// transient server-side condition.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500 && code <= 599
}

// IsTransientError reports whether a transport-level error is worth
// retrying: timeouts, connection resets, refused connections, and
// truncated responses.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if stderr.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if stderr.Is(err, syscall.ECONNRESET) || stderr.Is(err, syscall.ECONNREFUSED) ||
		stderr.Is(err, syscall.EPIPE) {
		return true
	}
	if stderr.Is(err, io.ErrUnexpectedEOF) || stderr.Is(err, io.EOF) {
		return true
	}
	if errors.IsRetryable(err) {
		return true
	}
	// url.Error wraps transport failures with free-form text in some
	// stacks; keep a small set of string fallbacks for those.
	msg := err.Error()
	for _, s := range []string{"connection reset", "connection refused", "timeout", "broken pipe", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Do runs fn with a fresh policy, retrying on retryable structured errors.
// It is a convenience for callers outside the HTTP layer.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	p := NewPolicy(cfg)
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeOperationCanceled, "operation canceled", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) && !IsTransientError(err) {
			return err
		}
		if !p.CanRetry(nil, err) {
			return errors.Wrap(errors.ErrCodeRetryExhausted, "max retry attempts exceeded", err)
		}
		if sleepErr := p.Sleep(ctx); sleepErr != nil {
			return sleepErr
		}
	}
}
