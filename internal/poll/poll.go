// Package poll runs bounded, fixed-delay retry loops.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady may be returned by a check to keep polling without recording a failure
var ErrNotReady = errors.New("not ready")

// ExhaustedError is returned when every attempt ran without success
type ExhaustedError struct {
	Attempts int
	Interval time.Duration
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil && !errors.Is(e.Last, ErrNotReady) {
		return fmt.Sprintf("gave up after %d attempts (%s apart): %v", e.Attempts, e.Interval, e.Last)
	}
	return fmt.Sprintf("gave up after %d attempts (%s apart)", e.Attempts, e.Interval)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Until calls check up to attempts times, sleeping interval between calls,
// until it returns nil. Context cancellation aborts the wait immediately.
func Until(ctx context.Context, attempts int, interval time.Duration, check func(ctx context.Context, attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = check(ctx, attempt)
		if last == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: attempts, Interval: interval, Last: last}
}

// Sleep waits for d or until ctx is done
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
