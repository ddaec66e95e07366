package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jononovo/send-claw2-sub007/internal/metrics"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/resilience"
)

// FetcherConfig tunes the per-provider guards.
type FetcherConfig struct {
	// Timeout bounds each provider attempt.
	Timeout time.Duration

	// Retries is the number of extra attempts on transient failures.
	Retries int

	// RateLimits is requests per second keyed by provider name. Providers
	// without an entry are not rate limited.
	RateLimits map[string]float64

	BreakerThreshold int
	BreakerReset     time.Duration
}

// Fetcher queries every configured provider for an entity in parallel.
// Guards and breakers are shared across runs so rate limits hold globally.
type Fetcher struct {
	providers []Provider
	guards    map[string]*resilience.Guard
	breakers  *resilience.ServiceBreakers
	timeout   time.Duration
	nowFunc   func() time.Time
}

// NewFetcher builds a Fetcher over providers.
func NewFetcher(providers []Provider, cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		ShouldTrip:       isTransient,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("research: breaker state change",
				zap.String("from", string(from)), zap.String("to", string(to)))
		},
	})

	f := &Fetcher{
		providers: providers,
		guards:    make(map[string]*resilience.Guard, len(providers)),
		breakers:  breakers,
		timeout:   cfg.Timeout,
		nowFunc:   time.Now,
	}
	for _, p := range providers {
		name := p.Name()
		rps := cfg.RateLimits[name]
		f.guards[name] = resilience.NewGuard(resilience.GuardConfig{
			Name:       name,
			RatePerSec: rps,
			Burst:      max(int(rps), 1),
			Timeout:    cfg.Timeout,
			Retry: resilience.RetryConfig{
				MaxAttempts:    max(cfg.Retries, 0) + 1,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				JitterFraction: 0.25,
				ShouldRetry:    isTransient,
				OnRetry:        resilience.RetryLogger(name, "research"),
			},
			Breaker: breakers.Get(name),
		})
	}
	return f
}

// Providers returns the provider names in configured order.
func (f *Fetcher) Providers() []string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return names
}

// BreakerStates reports each provider's circuit state.
func (f *Fetcher) BreakerStates() map[string]resilience.CircuitState {
	return f.breakers.States()
}

var errStopped = errors.New("research: run cancelled before retry")

// Fetch asks every provider about entity and merges what comes back. A
// provider that fails or times out contributes nothing; its error is
// logged and returned alongside the research, never instead of it.
//
// Provider calls do not inherit ctx's cancellation: a cancelled run lets
// in-flight calls finish or hit their own timeout, but no retry is started
// once ctx is done.
func (f *Fetcher) Fetch(ctx context.Context, entity model.CandidateEntity, counter *SourceCounter) (*model.RawResearch, []*ProviderError) {
	log := zap.L().With(zap.String("entity", entity.Name))
	detached := context.WithoutCancel(ctx)

	var (
		mu     sync.Mutex
		chunks = make([][]model.ResearchChunk, len(f.providers))
		errs   []*ProviderError
	)

	var g errgroup.Group
	for i, p := range f.providers {
		g.Go(func() error {
			name := p.Name()
			start := f.nowFunc()
			got, err := f.call(ctx, detached, p, entity)
			metrics.ProviderLatency.WithLabelValues(name).Observe(f.nowFunc().Sub(start).Seconds())

			if err != nil {
				perr := &ProviderError{
					Provider: name,
					Entity:   entity.Name,
					Timeout:  errors.Is(err, context.DeadlineExceeded),
					Err:      err,
				}
				outcome := metrics.OutcomeError
				if perr.Timeout {
					outcome = metrics.OutcomeTimeout
				}
				metrics.ProviderCalls.WithLabelValues(name, outcome).Inc()
				counter.Record(name, false)
				log.Warn("research: provider failed", zap.String("provider", name), zap.Bool("timeout", perr.Timeout), zap.Error(err))

				mu.Lock()
				errs = append(errs, perr)
				mu.Unlock()
				return nil
			}

			fetchedAt := f.nowFunc().UTC()
			kept := got[:0]
			for _, c := range got {
				if strings.TrimSpace(c.Text) == "" {
					continue
				}
				c.Provenance.Provider = name
				c.Provenance.FetchedAt = fetchedAt
				kept = append(kept, c)
			}

			outcome := metrics.OutcomeOK
			if len(kept) == 0 {
				outcome = metrics.OutcomeEmpty
			}
			metrics.ProviderCalls.WithLabelValues(name, outcome).Inc()
			counter.Record(name, len(kept) > 0)
			log.Debug("research: provider returned", zap.String("provider", name), zap.Int("chunks", len(kept)))

			chunks[i] = kept
			return nil
		})
	}
	_ = g.Wait()

	raw := &model.RawResearch{Entity: entity}
	for _, c := range chunks {
		raw.Chunks = append(raw.Chunks, c...)
	}
	return raw, errs
}

func (f *Fetcher) call(parent, detached context.Context, p Provider, entity model.CandidateEntity) ([]model.ResearchChunk, error) {
	guard := f.guards[p.Name()]
	attempt := 0
	return resilience.Call(detached, guard, func(ctx context.Context) ([]model.ResearchChunk, error) {
		attempt++
		if attempt > 1 && parent.Err() != nil {
			return nil, errStopped
		}
		return p.Research(ctx, entity)
	})
}
