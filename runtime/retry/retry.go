// Package retry provides the bounded retry-with-backoff utility shared by the
// speech stream connector and the recovery engine. Delays follow a fixed
// schedule rather than a multiplier so retry timing stays deterministic and
// easy to reason about in tests.
package retry

import (
	"context"
	"fmt"
	"time"
)

type (
	// Config configures retry behavior.
	Config struct {
		// MaxAttempts is the maximum number of attempts, including the initial
		// one. A value of 0 or 1 means no retries.
		MaxAttempts int
		// Schedule lists the delay before each retry. When there are more
		// retries than entries the last entry repeats, which caps the backoff.
		Schedule []time.Duration
	}

	// ExhaustedError is returned when all attempts have been exhausted.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// TotalDuration is the total time spent across attempts and waits.
		TotalDuration time.Duration
		// LastError is the error from the last attempt.
		LastError error
	}
)

// DefaultConfig returns the retry configuration used for stream reopens:
// three attempts with 1s/2s/5s delays, capped at 5s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Schedule:    []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
	}
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Delay returns the backoff delay preceding the given retry attempt. Attempt 1
// maps to the first schedule entry; attempts beyond the schedule repeat the
// last entry. A zero or negative attempt yields zero.
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 0 || len(c.Schedule) == 0 {
		return 0
	}
	if attempt > len(c.Schedule) {
		return c.Schedule[len(c.Schedule)-1]
	}
	return c.Schedule[attempt-1]
}

// Do executes fn with retry logic. The function is retried until it succeeds,
// the context is canceled, or MaxAttempts is reached, waiting the scheduled
// delay between attempts. Waits use a timer so a retry for one session never
// blocks another session's work.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Delay(attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}
