package dispatch

import (
	"context"
	"time"
)

// RetryPolicy bounds the attempts made against a single ledger.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialDelay:   200 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 15 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns the wait before retry number attempt (zero-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// withRetry calls fn up to MaxRetries+1 times. Each call gets its own
// timeout; waits between calls end early when ctx is cancelled. It returns
// the number of calls made and the last error.
func withRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) (int, error) {
	policy = policy.normalized()

	var err error
	for attempt := 0; ; attempt++ {
		err = callWithTimeout(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return attempt + 1, nil
		}
		if attempt >= policy.MaxRetries {
			return attempt + 1, err
		}
		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, ctx.Err()
		case <-timer.C:
		}
	}
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
