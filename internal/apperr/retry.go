package apperr

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig bounds the shared retry wrapper.
type RetryConfig struct {
	// MaxAttempts counts the initial call plus retries.
	MaxAttempts int
	// BaseDelay is doubled per attempt, capped at Ceiling.
	BaseDelay time.Duration
	Ceiling   time.Duration
	// PerAttemptTimeout bounds each individual attempt via context.
	// Zero disables the per-attempt deadline.
	PerAttemptTimeout time.Duration
}

// DefaultRetryConfig mirrors the schedule used against the hosted services:
// 500ms → 1s → 2s with jitter, capped at 4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		Ceiling:     4 * time.Second,
	}
}

// Attempt is one span-style trace entry recorded by WithRetry.
type Attempt struct {
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"err,omitempty"`
}

// WithRetry executes fn with bounded exponential backoff plus jitter,
// retrying only errors the taxonomy marks transient. Each attempt runs
// under its own deadline when PerAttemptTimeout is set; the deadline is
// released on both success and failure. The returned trace records every
// attempt.
func WithRetry[T any](ctx context.Context, operation string, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, []Attempt, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var trace []Attempt
	var result T
	var err error

	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		start := time.Now()

		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		}
		result, err = fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		entry := Attempt{Attempt: attempt, StartedAt: start, Duration: time.Since(start)}
		if err != nil {
			entry.Err = err.Error()
		}
		trace = append(trace, entry)

		if err == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "operation", operation, "attempt", attempt)
			}
			return result, trace, nil
		}
		if !Retryable(err) || attempt == cfg.MaxAttempts {
			return result, trace, err
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		if jittered > cfg.Ceiling {
			jittered = cfg.Ceiling
		}
		slog.Warn("transient failure, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"delay_ms", jittered.Milliseconds(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			var zero T
			return zero, trace, Wrap(KindCancelled, fmt.Sprintf("%s: cancelled during retry", operation), ctx.Err())
		case <-time.After(jittered):
		}
		delay *= 2
	}

	return result, trace, err
}
