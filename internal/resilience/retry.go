// Package resilience wraps external dependencies (custody provider, audit
// sink, notification delivery) with retry-with-backoff and per-dependency
// circuit breakers. Breaker state is process-local.
package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls retry-with-exponential-backoff. Delay for attempt n
// is min(InitialDelay * Base^(n-1), MaxDelay).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64

	// Retryable classifies failures; a nil predicate retries everything.
	Retryable func(error) bool

	// Sleep is injectable for tests; defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pre-configured policies per external dependency.
var (
	// PaymentPolicy: 3 attempts, 1s -> 4s.
	PaymentPolicy = RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 4 * time.Second, Base: 2}
	// AuditSinkPolicy: 5 attempts, 2s -> 32s.
	AuditSinkPolicy = RetryPolicy{MaxAttempts: 5, InitialDelay: 2 * time.Second, MaxDelay: 32 * time.Second, Base: 2}
	// NotificationPolicy: 3 attempts, fixed 5s.
	NotificationPolicy = RetryPolicy{MaxAttempts: 3, InitialDelay: 5 * time.Second, MaxDelay: 5 * time.Second, Base: 1}
)

// Delay returns the backoff before attempt n (1-based; no delay before the
// first attempt).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= p.Base
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

func defaultSleep(ctx context.Context, d time.Duration) error {
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

// Do runs fn up to MaxAttempts times. Non-retryable failures and context
// cancellation return immediately; otherwise the last error is returned
// after exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
