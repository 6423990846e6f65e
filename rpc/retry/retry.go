package retry

import (
	"context"
	"errors"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc/retry")

// --------------------------------------------------------------------------
// Retry-with-backoff combinator
// --------------------------------------------------------------------------

// Cause tells a retry function why it is being invoked (again). The
// combinator feeds the previous attempt's outcome back so the function can
// adjust - for example by skipping an endpoint that just failed.
type Cause struct {
	// Attempt counts invocations, starting at 0.
	Attempt int
	// TimedOut is true when the previous attempt was still pending when
	// the backoff timer fired. The previous attempt has been abandoned,
	// not cancelled: it completes independently and its result is
	// discarded.
	TimedOut bool
	// Err is the previous attempt's failure. Nil on the first attempt
	// and after a timeout.
	Err error
}

// PermanentError wraps a failure that must not be retried. WithBackoff
// stops immediately and returns the wrapped error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as terminal for the retry loop.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Func is one retryable attempt. deadline is the point by which this
// attempt should resolve; implementations typically pass it through as the
// RPC deadline. The function itself knows nothing about the retry loop.
type Func[T any] func(ctx context.Context, deadline time.Time, cause Cause) (T, error)

// WithBackoff repeatedly invokes f until it succeeds, the context is
// cancelled, or the context deadline passes. Each iteration races the
// attempt against a timer armed with the next backoff delay:
//
//   - attempt succeeds: the loop returns its result
//   - attempt fails: the failure is held until the timer fires, then f is
//     re-invoked with the failure as cause
//   - timer fires first: f is re-invoked with TimedOut and the pending
//     attempt is abandoned
//   - attempt fails with a Permanent error: the loop stops and returns
//     the wrapped error
//
// The caller's give-up condition is the context. The combinator knows
// nothing about RPCs, only about attempts and failure causes; it drives
// master discovery, location refresh, and DDL completion polling alike.
func WithBackoff[T any](ctx context.Context, backoff *Backoff, f Func[T]) (T, error) {
	var zero T

	cause := Cause{}
	var lastErr error

	for {
		duration := backoff.NextBackoff()
		deadline := time.Now().Add(duration)

		// The result channel is buffered so an abandoned attempt can
		// complete after the loop has moved on.
		done := make(chan result[T], 1)
		go func() {
			v, err := f(ctx, deadline, cause)
			done <- result[T]{v, err}
		}()

		timer := time.NewTimer(duration)

		var attemptErr error
		var failed bool

	race:
		for {
			select {
			case r := <-done:
				if r.err == nil {
					timer.Stop()
					return r.v, nil
				}
				var perm *PermanentError
				if errors.As(r.err, &perm) {
					timer.Stop()
					return zero, perm.Err
				}
				// Hold the failure until the timer fires so that
				// failing fast does not defeat the backoff.
				attemptErr = r.err
				failed = true
			case <-timer.C:
				break race
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return zero, lastErr
				}
				if attemptErr != nil {
					return zero, attemptErr
				}
				return zero, ctx.Err()
			}
		}

		if failed {
			lastErr = attemptErr
			cause = Cause{Attempt: cause.Attempt + 1, Err: attemptErr}
			Logger.Debugf("retry attempt %d failed: %v", cause.Attempt-1, attemptErr)
		} else {
			cause = Cause{Attempt: cause.Attempt + 1, TimedOut: true}
			Logger.Debugf("retry attempt %d timed out after %v", cause.Attempt-1, duration)
		}
	}
}

type result[T any] struct {
	v   T
	err error
}
