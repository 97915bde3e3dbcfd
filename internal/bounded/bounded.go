// Package bounded runs blocking calls under a hard deadline.
package bounded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is matched by every error returned for an expired deadline.
var ErrTimeout = errors.New("deadline exceeded")

// grace is how long a cancelled call is given to return before it is
// reported as abandoned.
var grace = 5 * time.Second

// TimeoutError reports a call that did not finish within its deadline.
type TimeoutError struct {
	Timeout time.Duration
	// Terminated is false when the call was still running after the grace
	// period and had to be abandoned.
	Terminated bool
}

func (e *TimeoutError) Error() string {
	if e.Terminated {
		return fmt.Sprintf("timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("timed out after %s, call abandoned", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Call runs fn with a context that is cancelled after timeout. fn is
// expected to tear down whatever it is blocked on when its context ends
// (kill a subprocess, close a connection). If fn has not returned by the
// deadline, Call waits a short grace period for it to do so and returns a
// *TimeoutError either way.
//
// fn is not started when ctx has already ended; Call returns ctx.Err().
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.val, &TimeoutError{Timeout: timeout, Terminated: true}
		}
		return o.val, o.err
	case <-ctx.Done():
	}

	var zero T
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	select {
	case <-done:
		if !timedOut {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Timeout: timeout, Terminated: true}
	case <-time.After(grace):
		slog.Error("bounded call did not stop after cancellation, abandoning it",
			"timeout", timeout, "grace", grace)
		if !timedOut {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Timeout: timeout}
	}
}

// Run is Call for functions without a result value.
func Run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
