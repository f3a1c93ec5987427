package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports an operation that ran out of its own time budget, as
// opposed to one whose caller gave up.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no result within %v: %v", e.Op, e.Limit, e.Err)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{context.DeadlineExceeded, e.Err}
}

// WithTimeout runs fn under a deadline of timeout derived from ctx. fn must
// honour the context it is given. A zero timeout runs fn under ctx unchanged.
// Cancellation of ctx itself is returned as is; only the derived deadline
// produces a *TimeoutError.
func WithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Limit: timeout, Err: err}
	}
	return err
}
