package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const DefaultMaxRetries = 3

// Operation is one logical call that may be attempted several times.
type Operation func(ctx context.Context) (json.RawMessage, error)

// Fallback synthesizes a degraded but well-formed result after the last failure.
type Fallback func(last *ErrorContext) json.RawMessage

// Outcome is the result of a Retrier run.
type Outcome struct {
	Value    json.RawMessage
	Degraded bool // Value came from the fallback
	Retries  int
}

// Retrier runs an Operation until it succeeds, exhausts MaxRetries or fails
// with a non-retryable classification.
type Retrier struct {
	Operation  string
	MaxRetries int
	Policy     BackoffPolicy
	Fallback   Fallback
	Logger     *slog.Logger
}

// NewRetrier creates a retrier with default backoff.
func NewRetrier(operation string, maxRetries int, fallback Fallback) *Retrier {
	return &Retrier{
		Operation:  operation,
		MaxRetries: maxRetries,
		Fallback:   fallback,
	}
}

// Do executes op with classified retries. The backoff wait only blocks the
// calling goroutine and is interrupted by ctx.
func (r *Retrier) Do(ctx context.Context, op Operation) (Outcome, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default().With("component", "retry")
	}

	var (
		value      json.RawMessage
		lastErr    error
		retryCount = -1
	)
	attempt := func() error {
		retryCount++
		v, err := op(ctx)
		if err != nil {
			lastErr = err
			if !NewErrorContext(err, r.Operation, retryCount, r.MaxRetries).ShouldRetry() {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}
	notify := func(err error, delay time.Duration) {
		log.Warn("Attempt failed, backing off",
			"attempt", NewErrorContext(err, r.Operation, retryCount, r.MaxRetries),
			"delay", delay,
			"outcome", "retry",
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(r.Policy.BackOff(), uint64(max(r.MaxRetries, 0))),
		ctx,
	)
	err := backoff.RetryNotify(attempt, b, notify)
	if err == nil {
		log.Debug("Attempt succeeded",
			"operation", r.Operation,
			"retry_count", retryCount,
			"outcome", "success",
		)
		return Outcome{Value: value, Retries: retryCount}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) && !errors.Is(lastErr, ctxErr) {
		return Outcome{Retries: retryCount}, fmt.Errorf(
			"%s: backoff interrupted: %w (last error: %w)", r.Operation, ctxErr, lastErr,
		)
	}

	ec := NewErrorContext(lastErr, r.Operation, retryCount, r.MaxRetries)
	if r.Fallback != nil {
		log.Error("Attempts exhausted, using fallback",
			"attempt", ec,
			"outcome", "fallback",
		)
		return Outcome{Value: r.Fallback(ec), Degraded: true, Retries: retryCount}, nil
	}

	log.Error("Attempts exhausted",
		"attempt", ec,
		"outcome", "failed",
	)
	return Outcome{Retries: retryCount}, lastErr
}
