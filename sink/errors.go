package sink

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited marks a delivery refused because the destination's rate budget is spent.
	ErrRateLimited = errors.New("sink rate limited")
	// ErrFailed marks a delivery the destination rejected or that never reached it.
	ErrFailed = errors.New("sink delivery failed")
)

// RateLimitedError carries how long the caller should wait before sending again.
type RateLimitedError struct {
	RetryAfter time.Duration
	// Shared is set when the refusal came from the shared budget rather than Discord.
	Shared bool
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// FailedError reports a non-2xx response other than 429. StatusCode is 0 when the
// request never got a response.
type FailedError struct {
	StatusCode int
	Err        error
}

func (e *FailedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("webhook request failed: %v", e.Err)
	}
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

func (e *FailedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFailed, e.Err}
	}
	return []error{ErrFailed}
}

// RetryAfter extracts the retry hint from a rate-limit error, or 0.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
