package ledger

import (
	"context"
	"time"
)

// RetryPolicy re-runs an operation that failed with ErrConflict. Any other
// error is returned at once.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// OnRetry, when set, observes every conflict that triggers another attempt.
	OnRetry func(attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  1200 * time.Millisecond,
	}
}

// Do calls fn until it succeeds, fails with a non-conflict error, or the
// attempts run out. Exhaustion returns the last conflict.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsConflict(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		if p.MaxDelay > 0 && delay < p.MaxDelay {
			delay *= 2
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
	return err
}

// UpdateWithRetry runs one atomic unit against l under p.
func UpdateWithRetry(ctx context.Context, l Ledger, p RetryPolicy, fn func(tx Tx) error) error {
	return p.Do(ctx, func(ctx context.Context) error {
		return l.Update(ctx, fn)
	})
}

// ViewWithRetry repeats a read whose records moved underneath it.
func ViewWithRetry(ctx context.Context, l Ledger, p RetryPolicy, fn func(tx Tx) error) error {
	return p.Do(ctx, func(ctx context.Context) error {
		return l.View(ctx, fn)
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
