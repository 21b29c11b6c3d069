// Package engineerr implements the engine's error taxonomy and the
// retry/backoff helper shared by position-store I/O and prediction
// calls. Errors are classified by a typed Kind rather than by substring
// matching, since the engine's collaborators are Go interfaces instead of
// raw RPC text.
package engineerr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Kind classifies an error by its source and retry policy.
type Kind int

const (
	Unknown Kind = iota
	Connection
	Api
	Store
	Validation
	TradeExecution
	Oracle
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "ConnectionError"
	case Api:
		return "ApiError"
	case Store:
		return "StoreError"
	case Validation:
		return "ValidationError"
	case TradeExecution:
		return "TradeExecutionError"
	case Oracle:
		return "OracleError"
	default:
		return "Unknown"
	}
}

// Retryable reports whether an error of this kind should be retried.
// TradeExecutionError is never retried (retrying a trade risks a double
// buy); ValidationError is fatal; Unknown is not retried since there is
// no basis for assuming the operation is safe to repeat.
func (k Kind) Retryable() bool {
	switch k {
	case Connection, Api, Store, Oracle:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether e's Kind should be retried. A plain (non
// *Error) error is treated as Unknown and not retried.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Retryable()
	}
	return Unknown.Retryable()
}

// Wrap attaches a Kind to err. Wrap(nil, k) returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retry calls fn up to maxAttempts times with exponential backoff and
// jitter, stopping early if ctx is cancelled, fn succeeds, or the error
// is not retryable. baseDelay is the delay before the second attempt;
// each subsequent delay doubles, capped at 10s.
func Retry(ctx context.Context, fn func(ctx context.Context) error, maxAttempts int, baseDelay time.Duration) error {
	const capDelay = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			if delay > capDelay {
				delay = capDelay
			}
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
