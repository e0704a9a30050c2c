// Package conflict classifies transient storage contention and retries the
// unit of work that hit it.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorageConflict marks a transaction that lost a race inside the storage
// layer (serialization failure, deadlock, duplicate key). The whole unit of
// work may be retried from scratch.
var ErrStorageConflict = errors.New("storage conflict")

// DefaultAttempts bounds Retry when callers pass a non-positive value.
const DefaultAttempts = 3

const baseBackoff = 10 * time.Millisecond

// Wrap tags err as a storage conflict while keeping the cause inspectable.
func Wrap(err error) error {
	if err == nil || errors.Is(err, ErrStorageConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageConflict, err)
}

// Is reports whether err is a storage conflict.
func Is(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

// Retry runs fn until it succeeds, fails with a non-conflict error, or the
// attempt budget is spent. OnRetry, if set, observes each retried attempt.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error, onRetry ...func(attempt int, err error)) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !Is(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		for _, hook := range onRetry {
			hook(attempt, err)
		}

		timer := time.NewTimer(time.Duration(attempt) * baseBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
