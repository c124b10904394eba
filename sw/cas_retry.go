package sw

import (
	"context"
	"errors"
	"time"
)

const defaultCASRetries = 5

// CASRetryStats tracks retry behavior for one compare-and-swap update.
type CASRetryStats struct {
	Operation       string
	Attempts        int
	ConflictCount   int
	TotalRetryDelay time.Duration
	Success         bool
}

// runWithCASRetry runs op until it succeeds, fails with something other than
// ErrBlobVersionMismatch, or conflicts more than maxRetries times. Backoff
// grows quadratically from 10ms.
func runWithCASRetry(ctx context.Context, operation string, maxRetries int, op func() error) (CASRetryStats, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	stats := CASRetryStats{Operation: operation}
	for {
		stats.Attempts++
		err := op()
		if err == nil {
			stats.Success = true
			return stats, nil
		}
		if !errors.Is(err, ErrBlobVersionMismatch) {
			return stats, err
		}

		stats.ConflictCount++
		if stats.ConflictCount > maxRetries {
			return stats, err
		}

		backoff := backoffForAttempt(stats.ConflictCount)
		stats.TotalRetryDelay += backoff

		if err := sleepWithContext(ctx, backoff); err != nil {
			return stats, err
		}
	}
}

func backoffForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt*attempt) * 10 * time.Millisecond
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
