package research

import (
	"maps"
	"sync"
)

// SourceCounter tallies provider activity for one run. Calls counts every
// provider request; Breakdown counts entities a provider contributed
// research to. Safe for concurrent use.
type SourceCounter struct {
	mu    sync.Mutex
	calls map[string]int
	hits  map[string]int
}

// NewSourceCounter returns an empty counter.
func NewSourceCounter() *SourceCounter {
	return &SourceCounter{calls: map[string]int{}, hits: map[string]int{}}
}

// Record notes one call to provider and whether it contributed research.
func (c *SourceCounter) Record(provider string, contributed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[provider]++
	if contributed {
		c.hits[provider]++
	}
}

// Breakdown returns a copy of the per-provider contribution counts.
func (c *SourceCounter) Breakdown() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.hits)
}

// Calls returns a copy of the per-provider call counts.
func (c *SourceCounter) Calls() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.calls)
}
