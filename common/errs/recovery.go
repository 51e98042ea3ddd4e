package errs

import (
	"context"
	"errors"
	"time"
)

// ErrorRecovery decides which failures are retried and how long to back off.
// Only SubmissionTimeout is retryable by default; the retried operation must
// resend identical bytes.
type ErrorRecovery struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryableTypes map[ErrorType]bool
}

// NewErrorRecovery creates a new error recovery handler
func NewErrorRecovery(maxRetries int) *ErrorRecovery {
	return &ErrorRecovery{
		MaxRetries: maxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		RetryableTypes: map[ErrorType]bool{
			ErrorTypeSubmissionTimeout: true,
		},
	}
}

// ShouldRetry determines if an error should be retried
func (r *ErrorRecovery) ShouldRetry(err error, attempt int) bool {
	if attempt >= r.MaxRetries {
		return false
	}

	var exErr *ExploitError
	if errors.As(err, &exErr) {
		if retryable, exists := r.RetryableTypes[exErr.Type]; exists && retryable {
			return true
		}
	}
	return false
}

// GetRetryDelay calculates the delay before the next retry
func (r *ErrorRecovery) GetRetryDelay(attempt int) time.Duration {
	delay := r.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > r.MaxDelay || delay <= 0 {
		delay = r.MaxDelay
	}
	return delay
}

// RetryWithRecovery executes operation, retrying retryable failures until
// MaxRetries is reached or ctx is done. The attempt index is passed through so
// callers can record it.
func (r *ErrorRecovery) RetryWithRecovery(ctx context.Context, operation func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.GetRetryDelay(attempt - 1)):
			case <-ctx.Done():
				return lastErr
			}
		}

		err := operation(attempt)
		if err == nil {
			return nil
		}

		lastErr = err
		if !r.ShouldRetry(err, attempt) {
			break
		}
	}

	return lastErr
}
