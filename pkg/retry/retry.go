package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Policy defines the backoff schedule for one executor invocation.
// A Policy is immutable per call: Do copies it before normalization, so the
// process-wide default can be shared across goroutines without locking.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth of the delay.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier (must be > 1).
	Multiplier float64
	// Jitter adds up to 10% on top of the capped delay to avoid retry storms.
	Jitter bool
	// Logger receives per-attempt diagnostics (defaults to slog.Default).
	Logger *slog.Logger
	// Rand is the random source for jitter (optional, uses local source if nil)
	Rand *rand.Rand
	// After creates a timer channel (for testing, defaults to time.After)
	After func(d time.Duration) <-chan time.Time
}

// DefaultPolicy returns the policy used when callers pass no override.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Normalize validates the policy and fills in optional fields.
func (p *Policy) Normalize() error {
	if p.MaxRetries < 0 {
		return errors.New("retry: MaxRetries cannot be negative")
	}
	if p.BaseDelay <= 0 {
		return errors.New("retry: BaseDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("retry: MaxDelay cannot be less than BaseDelay")
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2.0
	}
	if p.Multiplier <= 1.0 {
		return errors.New("retry: Multiplier must be greater than 1")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.After == nil {
		p.After = time.After
	}
	return nil
}

// delay computes the backoff inserted after the given attempt. The
// exponential value is capped at MaxDelay first; jitter is added after the
// cap, so a jittered delay may exceed MaxDelay by up to 10%.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter {
		d += d * 0.1 * p.Rand.Float64()
	}
	return time.Duration(d)
}

// Func is an operation that can be retried.
type Func[T any] func(ctx context.Context) (T, error)

// IsRetryableFunc decides whether an error should trigger another attempt.
// A nil predicate means every failure is retried until the budget runs out.
type IsRetryableFunc func(err error) bool

// Do executes fn, retrying every failure until it succeeds or the policy's
// budget is exhausted. The operation name is used for diagnostics only.
func Do[T any](ctx context.Context, policy Policy, name string, fn Func[T]) (T, error) {
	return DoWithRetryable(ctx, policy, name, fn, nil)
}

// DoWithRetryable executes fn with retry logic and a custom retryable check.
//
// Attempts are strictly sequential: 1..MaxRetries+1. On success the result is
// returned immediately. On failure the error is propagated unchanged, never
// wrapped, whether the predicate rejected it or the budget ran out, so
// callers keep access to provider-specific status codes and messages.
func DoWithRetryable[T any](ctx context.Context, policy Policy, name string, fn Func[T], isRetryable IsRetryableFunc) (T, error) {
	var zero T

	p := policy // copy so the caller's policy is never mutated
	if err := p.Normalize(); err != nil {
		return zero, err
	}
	log := p.Logger.With(slog.String("op", name))

	maxAttempts := p.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("operation recovered",
					slog.Int("attempt", attempt),
					slog.Int("retries", attempt-1))
			}
			return v, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			log.Warn("retry budget exhausted",
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			break
		}

		if isRetryable != nil && !isRetryable(err) {
			return zero, err
		}

		wait := p.delay(attempt)
		log.Warn("operation failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("wait", wait),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-p.After(wait):
		}
	}

	return zero, lastErr
}
