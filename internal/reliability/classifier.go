package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrNonRetryable wraps failures that must surface immediately, such as
// authentication or quota errors from an upstream service.
var ErrNonRetryable = errors.New("non-retryable")

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsFatalHTTPStatus classifies statuses that indicate a misconfigured client
// (bad credentials, exhausted quota) rather than a transient fault.
func IsFatalHTTPStatus(code int) bool {
	switch code {
	case 401, 402, 403:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Policy bounds retries of an external service call.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// Do invokes fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or the context is done. Between attempts it sleeps the capped
// exponential backoff for the attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ExponentialBackoff(attempt-1, p.Base, p.Cap)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNonRetryable) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
