// Package account holds the caller-facing collaborators of a search:
// who is asking and whether they may start another run.
package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Anonymous is the caller ID used when no identity is supplied.
const Anonymous = "anonymous"

// ErrQuotaExceeded vetoes a run.
var ErrQuotaExceeded = errors.New("account: quota exceeded")

type identityKey struct{}

// WithCaller returns a context carrying callerID.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, identityKey{}, callerID)
}

// Caller returns the caller ID on ctx, or Anonymous.
func Caller(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey{}).(string); ok && id != "" {
		return id
	}
	return Anonymous
}

// Quota is consulted before a run starts and may veto it by returning an
// error wrapping ErrQuotaExceeded.
type Quota interface {
	Reserve(ctx context.Context, callerID string) error
}

// Unlimited never vetoes.
type Unlimited struct{}

func (Unlimited) Reserve(context.Context, string) error { return nil }

// RateQuota allows each caller a number of runs per hour with a burst of
// the same size.
type RateQuota struct {
	perHour int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	nowFunc  func() time.Time
}

// NewRateQuota returns a per-caller quota. perHour <= 0 means unlimited.
func NewRateQuota(perHour int) Quota {
	if perHour <= 0 {
		return Unlimited{}
	}
	return &RateQuota{perHour: perHour, limiters: map[string]*rate.Limiter{}, nowFunc: time.Now}
}

func (q *RateQuota) Reserve(_ context.Context, callerID string) error {
	q.mu.Lock()
	lim, ok := q.limiters[callerID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(q.perHour)), q.perHour)
		q.limiters[callerID] = lim
	}
	q.mu.Unlock()

	if !lim.AllowN(q.nowFunc(), 1) {
		return eris.Wrapf(ErrQuotaExceeded, "caller %s: %d runs per hour", callerID, q.perHour)
	}
	return nil
}
