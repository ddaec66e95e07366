package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// GuardConfig configures a Guard. Zero values disable the matching piece:
// no rate limit, no per-attempt timeout, no breaker.
type GuardConfig struct {
	Name string

	// RatePerSec and Burst feed a token-bucket limiter.
	RatePerSec float64
	Burst      int

	// Timeout bounds every attempt.
	Timeout time.Duration

	Retry   RetryConfig
	Breaker *CircuitBreaker
}

// Guard applies rate limiting, a circuit breaker, retries and per-attempt
// timeouts to calls against one external service.
type Guard struct {
	name    string
	limiter *rate.Limiter
	timeout time.Duration
	retry   RetryConfig
	breaker *CircuitBreaker
}

// NewGuard builds a Guard from cfg.
func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		breaker: cfg.Breaker,
	}
	if cfg.RatePerSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1))
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = RetryLogger(cfg.Name, "call")
	}
	if g.retry.ShouldRetry == nil {
		g.retry.ShouldRetry = func(err error) bool {
			return !errors.Is(err, ErrCircuitOpen) && IsTransient(err)
		}
	}
	return g
}

// Name returns the guarded service name.
func (g *Guard) Name() string { return g.name }

// Call runs fn under the guard.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	return DoVal(ctx, g.retry, func(ctx context.Context) (T, error) {
		if g.breaker == nil {
			return attemptOf(ctx, g, fn)
		}
		return ExecuteVal(ctx, g.breaker, func(ctx context.Context) (T, error) {
			return attemptOf(ctx, g, fn)
		})
	})
}

func attemptOf[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, eris.Wrapf(err, "%s: rate limit", g.name)
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	val, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return zero, NewTransientError(eris.Wrapf(err, "%s: attempt timed out after %s", g.name, g.timeout), 0)
	}
	return val, err
}
