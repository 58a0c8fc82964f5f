package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryPolicy is the per-file retry policy applied around whole transfers
// and metadata probes.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// Do calls fn until it succeeds, the context ends, or the attempts are
// exhausted.  Every failure is logged before the next attempt.  The error
// of the last attempt is returned.
func (p RetryPolicy) Do(ctx context.Context, op, file string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && p.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Interval):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) == OutcomeCanceled {
			return lastErr
		}
		slog.Warn("failed to "+op, "file", file, "attempt", attempt, "max_attempts", attempts,
			"outcome", Classify(lastErr).String(), "error", lastErr)
	}
	return errors.Wrapf(lastErr, "%s %s: giving up after %d attempts", op, file, attempts)
}
