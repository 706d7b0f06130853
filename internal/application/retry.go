package application

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// Retry defaults for remote platform queries.
const (
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 5 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy retries a failed call up to MaxRetries more times, waiting
// min(BaseDelay*2^attempt, MaxDelay) before each retry.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Sleep      SleepFunc // Nil means a real, context-aware sleep.
}

// DefaultRetryPolicy returns the policy used for slot discovery queries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: model.DefaultMaxRetries,
		BaseDelay:  DefaultRetryBaseDelay,
		MaxDelay:   DefaultRetryMaxDelay,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Retry calls fn until it succeeds, the retries run out or ctx is done. It
// returns the last result, how many calls were made, and the last error.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var (
		val   T
		err   error
		calls int
	)
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, p.Delay(attempt-1)); serr != nil {
				return val, calls, serr
			}
		}

		calls++
		val, err = fn(ctx)
		if err == nil {
			return val, calls, nil
		}
		if ctx.Err() != nil {
			return val, calls, ctx.Err()
		}
	}
	return val, calls, fmt.Errorf("giving up after %d calls: %w", calls, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
