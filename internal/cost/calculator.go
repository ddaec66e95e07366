// Package cost estimates what a search run spent on language model tokens
// and research provider queries.
package cost

import (
	"maps"
	"sync"

	"github.com/jononovo/send-claw2-sub007/internal/config"
	"github.com/jononovo/send-claw2-sub007/internal/llm"
	"github.com/jononovo/send-claw2-sub007/internal/metrics"
)

// cacheReadMul is the price of a cached input token relative to a fresh one.
const cacheReadMul = 0.1

// Calculator prices usage from configured rates.
type Calculator struct {
	models   map[string]config.ModelPricing
	perQuery map[string]float64
}

// NewCalculator builds a Calculator from the pricing config section.
func NewCalculator(p config.PricingConfig) *Calculator {
	return &Calculator{
		models: p.Models,
		perQuery: map[string]float64{
			"perplexity": p.Perplexity,
			"jina":       p.Jina,
			"firecrawl":  p.Firecrawl,
			"google":     p.Google,
		},
	}
}

// LLM returns the cost of u on model. Unknown models cost zero.
func (c *Calculator) LLM(model string, u llm.Usage) float64 {
	rate, ok := c.models[model]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) / 1e6 * rate.Input
	out := float64(u.OutputTokens) / 1e6 * rate.Output
	cached := float64(u.CacheReadTokens) / 1e6 * rate.Input * cacheReadMul
	return in + out + cached
}

// Queries returns the cost of n calls to provider.
func (c *Calculator) Queries(provider string, n int) float64 {
	return float64(n) * c.perQuery[provider]
}

// Tracker accumulates one run's usage. A nil Tracker ignores everything.
type Tracker struct {
	calc *Calculator

	mu      sync.Mutex
	usage   map[string]llm.Usage
	queries map[string]int
}

// NewTracker starts an empty tracker.
func (c *Calculator) NewTracker() *Tracker {
	return &Tracker{calc: c, usage: map[string]llm.Usage{}, queries: map[string]int{}}
}

// AddLLM records token usage for model.
func (t *Tracker) AddLLM(model string, u llm.Usage) {
	if t == nil {
		return
	}
	metrics.LLMTokens.WithLabelValues(model, "input").Add(float64(u.InputTokens + u.CacheReadTokens))
	metrics.LLMTokens.WithLabelValues(model, "output").Add(float64(u.OutputTokens))
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage[model] = t.usage[model].Add(u)
}

// AddQueries records provider call counts.
func (t *Tracker) AddQueries(calls map[string]int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, n := range calls {
		t.queries[p] += n
	}
}

// Usage returns token usage per model.
func (t *Tracker) Usage() map[string]llm.Usage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.usage)
}

// Total returns the estimated spend in USD.
func (t *Tracker) Total() float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for model, u := range t.usage {
		total += t.calc.LLM(model, u)
	}
	for p, n := range t.queries {
		total += t.calc.Queries(p, n)
	}
	return total
}
