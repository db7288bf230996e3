// Package backoff provides the retry-delay formula and timeout wrapper shared
// by the generator and store-API clients.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Delay computes the wait before retry number attempt (1-based):
// base doubles per attempt (capped at 2^3), plus a linear 500ms ramp and up
// to 250ms of jitter.
func Delay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 3 {
		exp = 3
	}
	d := base * time.Duration(1<<exp)
	d += time.Duration(attempt) * 500 * time.Millisecond
	d += rand.N(250 * time.Millisecond)
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TimeoutError marks an operation that exceeded its per-call deadline.
type TimeoutError struct {
	Label string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Label, e.After)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// WithTimeout runs op under a deadline. When the deadline expires the
// returned error is a TimeoutError; cancellation of the underlying I/O is
// best-effort via the derived context.
func WithTimeout(ctx context.Context, d time.Duration, label string, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := op(opCtx)
	if err == nil {
		return nil
	}
	// Only translate the deadline we set here; a parent cancellation is not
	// this call's timeout.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Label: label, After: d}
	}
	return err
}
