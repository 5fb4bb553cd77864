package credit

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	retryBackoffBase = 10 * time.Millisecond
	retryBackoffMax  = 200 * time.Millisecond
)

// runTx executes fn inside a store transaction, retrying bounded times on
// ErrConcurrencyConflict with jittered backoff. Business rejections and
// every other error surface immediately.
func (service *Service) runTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < service.retryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, jitteredBackoff(attempt)); err != nil {
				return err
			}
		}
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrConcurrencyConflict) {
			return lastErr
		}
	}
	return lastErr
}

func jitteredBackoff(attempt int) time.Duration {
	backoff := retryBackoffBase << uint(attempt)
	if backoff > retryBackoffMax {
		backoff = retryBackoffMax
	}
	return time.Duration(rand.Int63n(int64(backoff))) + backoff/2
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
