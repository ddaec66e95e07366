package pipeline

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/cost"
	"github.com/jononovo/send-claw2-sub007/internal/llm"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/resilience"
	"github.com/jononovo/send-claw2-sub007/pkg/jina"
)

// Discoverer expands a query into candidate entities.
type Discoverer interface {
	Discover(ctx context.Context, q model.Query, schema model.ResolvedSchema, tr *cost.Tracker) (*Candidates, error)
}

// Candidates is a finite, single-use sequence of distinct entities.
type Candidates struct {
	items     []model.CandidateEntity
	requested int
	consumed  atomic.Bool
}

// NewCandidates dedupes entities by normalized name, drops nameless ones,
// caps the list at limit and numbers them in discovery order.
func NewCandidates(entities []model.CandidateEntity, limit int) *Candidates {
	c := &Candidates{requested: limit}
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if limit > 0 && len(c.items) == limit {
			break
		}
		e.Name = strings.TrimSpace(e.Name)
		key := e.Key()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		e.Index = len(c.items)
		c.items = append(c.items, e)
	}
	return c
}

// Len is the number of candidates.
func (c *Candidates) Len() int { return len(c.items) }

// All yields each candidate once. Later calls yield nothing.
func (c *Candidates) All() iter.Seq[model.CandidateEntity] {
	return func(yield func(model.CandidateEntity) bool) {
		if c.consumed.Swap(true) {
			return
		}
		for _, e := range c.items {
			if !yield(e) {
				return
			}
		}
	}
}

// Partial returns a DiscoveryPartialError when fewer candidates were found
// than requested, nil otherwise.
func (c *Candidates) Partial() *DiscoveryPartialError {
	if len(c.items) >= c.requested {
		return nil
	}
	return &DiscoveryPartialError{Requested: c.requested, Found: len(c.items)}
}

// DiscovererConfig tunes the LLM discoverer.
type DiscovererConfig struct {
	Retries int

	// Grounding is an optional web search used to anchor the candidate list
	// in real results.
	Grounding jina.Client
}

// LLMDiscoverer asks a language model for named entities matching the query.
type LLMDiscoverer struct {
	client    llm.Client
	grounding jina.Client
	retries   int
}

// NewLLMDiscoverer builds a discoverer.
func NewLLMDiscoverer(client llm.Client, cfg DiscovererConfig) *LLMDiscoverer {
	return &LLMDiscoverer{client: client, grounding: cfg.Grounding, retries: max(cfg.Retries, 0)}
}

type discoveredEntity struct {
	Name    string `json:"name"`
	Company string `json:"company"`
	Website string `json:"website"`
}

type discoveryOutput struct {
	Entities []discoveredEntity `json:"entities"`
}

var discoverySchema = llm.MustCompileSchema(map[string]any{
	"type":     "object",
	"required": []any{"entities"},
	"properties": map[string]any{
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name"},
				"properties": map[string]any{
					"name":    map[string]any{"type": "string"},
					"company": map[string]any{"type": []any{"string", "null"}},
					"website": map[string]any{"type": []any{"string", "null"}},
				},
			},
		},
	},
})

const discoverySystem = "You find real, currently operating organisations and real professionals that match a search query. " +
	"List only entities you are confident exist. Never invent names. If you know fewer than requested, return fewer."

// Discover implements Discoverer.
func (d *LLMDiscoverer) Discover(ctx context.Context, q model.Query, schema model.ResolvedSchema, tr *cost.Tracker) (*Candidates, error) {
	retry := resilience.RetryConfig{
		MaxAttempts:    d.retries + 1,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFraction: 0.2,
	}
	res, err := llm.GenerateJSON[discoveryOutput](ctx, d.client, llm.Request{
		System:      discoverySystem,
		Prompt:      discoveryPrompt(q, schema, d.groundingSnippets(ctx, q)),
		Temperature: llm.Float(0.2),
		MaxTokens:   2048,
		CacheSystem: true,
	}, discoverySchema, retry)
	tr.AddLLM(res.Model, res.Usage)
	if err != nil {
		return nil, err
	}

	entities := make([]model.CandidateEntity, 0, len(res.Value.Entities))
	for _, e := range res.Value.Entities {
		entities = append(entities, model.CandidateEntity{
			Name:    e.Name,
			Type:    schema.QueryType,
			Company: strings.TrimSpace(e.Company),
			Website: cleanWebsite(e.Website),
		})
	}
	cands := NewCandidates(entities, schema.TargetCount)
	if p := cands.Partial(); p != nil {
		zap.L().Info("pipeline: partial discovery", zap.String("fingerprint", q.Fingerprint), zap.Error(p))
	}
	return cands, nil
}

func (d *LLMDiscoverer) groundingSnippets(ctx context.Context, q model.Query) []string {
	if d.grounding == nil {
		return nil
	}
	resp, err := d.grounding.Search(ctx, q.Text)
	if err != nil {
		zap.L().Warn("pipeline: discovery grounding search failed", zap.Error(err))
		return nil
	}
	var out []string
	for _, r := range resp.Data {
		if len(out) == 8 {
			break
		}
		text := strings.TrimSpace(r.Description)
		if text == "" {
			text = r.Text()
		}
		out = append(out, fmt.Sprintf("- %s (%s): %s", r.Title, r.URL, model.Truncate(text, 400)))
	}
	return out
}

func discoveryPrompt(q model.Query, schema model.ResolvedSchema, snippets []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\n", q.Text)
	if schema.QueryType == model.QueryTypeContact {
		fmt.Fprintf(&b, "List up to %d people matching the query. Give each person's full name and current company.\n", schema.TargetCount)
	} else {
		fmt.Fprintf(&b, "List up to %d companies matching the query. Give each company's name and website if known.\n", schema.TargetCount)
	}
	if len(snippets) > 0 {
		b.WriteString("\nWeb search results for the query:\n")
		b.WriteString(strings.Join(snippets, "\n"))
		b.WriteString("\n")
	}
	b.WriteString(`
Respond with JSON only: {"entities": [{"name": "...", "company": null, "website": null}]}`)
	return b.String()
}

// cleanWebsite returns an absolute http(s) URL or "".
func cleanWebsite(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !strings.Contains(u.Host, ".") {
		return ""
	}
	return u.String()
}
