// Package retry provides exponential and fixed-schedule backoff retry
// logic shared by delivery and store operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration. When Schedule is non-empty it
// takes precedence over the exponential parameters: the operation runs
// once per schedule entry plus the initial attempt, sleeping the listed
// duration before each retry.
type Config struct {
	MaxAttempts  int             // Total attempts (0 = run once)
	InitialDelay time.Duration   // Initial delay between attempts
	MaxDelay     time.Duration   // Maximum delay between attempts
	Multiplier   float64         // Backoff multiplier (typically 2.0)
	AddJitter    bool            // Add randomness to prevent thundering herd
	Schedule     []time.Duration // Fixed delays; overrides exponential backoff
}

// DefaultConfig returns sensible defaults for retry operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// FixedSchedule returns a config that retries once per listed delay.
func FixedSchedule(delays ...time.Duration) Config {
	return Config{
		MaxAttempts: len(delays) + 1,
		Schedule:    delays,
	}
}

// Do executes fn with backoff retry per cfg.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if len(cfg.Schedule) == 0 {
		if cfg.InitialDelay <= 0 {
			cfg.InitialDelay = 100 * time.Millisecond
		}
		if cfg.MaxDelay <= 0 {
			cfg.MaxDelay = 5 * time.Second
		}
		if cfg.Multiplier <= 0 {
			cfg.Multiplier = 2.0
		}
		if cfg.MaxDelay < cfg.InitialDelay {
			return errors.New("retry: MaxDelay must be >= InitialDelay")
		}
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if len(cfg.Schedule) > 0 {
			sleep = cfg.Schedule[attempt-1]
		} else if cfg.AddJitter && delay > 4 {
			randMu.Lock()
			sleep = delay + time.Duration(randSource.Int63n(int64(delay/4)))
			randMu.Unlock()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * cfg.Multiplier
		if next > float64(cfg.MaxDelay) {
			delay = cfg.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
