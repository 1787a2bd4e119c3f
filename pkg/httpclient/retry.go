package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// Backoff is the retry policy for rate-limited calls. Delays grow
// exponentially and never shrink between attempts; a server Retry-After hint
// acts as a floor.
type Backoff struct {
	// MaxAttempts counts the first try (default: 5).
	MaxAttempts int

	// Factor is the delay before the second attempt (default: 10s).
	Factor time.Duration

	// Base is the exponential growth factor (default: 2).
	Base float64

	// Jitter is the upper bound of the random extra delay (default: 1s).
	Jitter time.Duration

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultBackoff returns the policy used for idempotent platform calls.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		Factor:      10 * time.Second,
		Base:        2,
		Jitter:      time.Second,
	}
}

// Delay computes the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int, err error) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2
	}
	d := time.Duration(float64(b.Factor) * math.Pow(base, float64(attempt-1)))
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}

	var e *errs.Error
	if errors.As(err, &e) && e.RetryAfter > d {
		d = e.RetryAfter
	}
	return d
}

// Retry runs fn until it succeeds, fails with a non-retryable error or the
// attempts are exhausted. Only rate limiting is retried; the last
// rate-limit error is returned once attempts run out.
func Retry[T any](ctx context.Context, b Backoff, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var prev time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%w: %w", errs.ErrCancelled, err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !errs.IsRetryable(err) {
			return zero, err
		}
		if attempt >= maxAttempts {
			slog.Warn("Max retries exceeded", "attempts", attempt, "error", err)
			return zero, err
		}

		delay := b.Delay(attempt, err)
		if delay < prev {
			delay = prev
		}
		prev = delay

		if b.OnRetry != nil {
			b.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}
