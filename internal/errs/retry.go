package errs

import (
	"math"
	"time"
)

// RetryConfig configures the streaming controller's retry behavior.
type RetryConfig struct {
	// AutoRetry controls whether first-chunk failures retry automatically.
	// When false, each retry requires explicit operator approval.
	AutoRetry bool

	// MaxAttempts caps automatic retries of a single request.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff: baseDelay * 2^attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		AutoRetry:   true,
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    10 * time.Minute,
	}
}

// Backoff computes the delay before retry attempt `attempt` (0-based), as
// max(rateLimitDelay, baseDelay * 2^attempt). A provider-supplied retry-after
// hint overrides the exponential term entirely.
func Backoff(cfg RetryConfig, attempt int, rateLimitDelay time.Duration, retryAfterSeconds int) time.Duration {
	var delay time.Duration
	if retryAfterSeconds > 0 {
		delay = time.Duration(retryAfterSeconds) * time.Second
	} else {
		exp := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
		if exp > float64(cfg.MaxDelay) {
			exp = float64(cfg.MaxDelay)
		}
		delay = time.Duration(exp)
	}

	if rateLimitDelay > delay {
		delay = rateLimitDelay
	}
	return delay
}
