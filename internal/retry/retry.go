package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Policy is a reusable retry policy for transient external-call failures.
// Every component that talks to a provider (TTS, image/video generation,
// storage, webhooks) goes through the same policy instead of hand-rolling
// its own loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
}

// Default matches the backoff the storage uploader has always used:
// 5 attempts, 1s base, 30s cap, 0-25% jitter.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

// Do runs fn under the policy, sleeping between attempts with exponential
// backoff plus jitter. The last error is returned once attempts exhaust.
func (p Policy) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", label, ctx.Err())
			case <-time.After(p.delay(attempt)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}

// delay calculates exponential backoff with jitter: base * 2^(attempt-1) + random jitter
func (p Policy) delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	// Add 0-25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// DefaultRetryable checks if a network-level error is worth retrying.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "status 429") ||
		strings.Contains(errStr, "status 502") ||
		strings.Contains(errStr, "status 503") ||
		strings.Contains(errStr, "status 504")
}

// RetryableStatus checks if an HTTP status code is worth retrying.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}
