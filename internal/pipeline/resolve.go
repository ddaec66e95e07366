// Package pipeline runs a structured entity search: it resolves a result
// schema for the query, discovers candidate entities, researches and
// extracts each one concurrently, and ranks the records.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/cost"
	"github.com/jononovo/send-claw2-sub007/internal/llm"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/resilience"
)

// Resolver derives the result schema for a query.
type Resolver interface {
	Resolve(ctx context.Context, q model.Query, tr *cost.Tracker) (model.ResolvedSchema, error)
}

// ResolverConfig tunes the LLM resolver.
type ResolverConfig struct {
	// Retries is the number of extra attempts when the model output is
	// malformed or the call fails transiently.
	Retries         int
	MaxCustomFields int
}

// LLMResolver classifies the query and proposes fields with a language
// model, then forces the proposal into a valid schema.
type LLMResolver struct {
	client    llm.Client
	catalog   *model.Catalog
	retries   int
	maxCustom int
	system    string
}

// NewLLMResolver builds a resolver over catalog.
func NewLLMResolver(client llm.Client, catalog *model.Catalog, cfg ResolverConfig) *LLMResolver {
	if cfg.MaxCustomFields <= 0 {
		cfg.MaxCustomFields = 5
	}
	return &LLMResolver{
		client:    client,
		catalog:   catalog,
		retries:   max(cfg.Retries, 0),
		maxCustom: cfg.MaxCustomFields,
		system:    resolverSystemPrompt(catalog, cfg.MaxCustomFields),
	}
}

type schemaProposal struct {
	QueryType      model.QueryType     `json:"query_type"`
	TargetCount    *int                `json:"target_count"`
	StandardFields []string            `json:"standard_fields"`
	CustomFields   []model.CustomField `json:"custom_fields"`
}

var proposalSchema = llm.MustCompileSchema(map[string]any{
	"type":     "object",
	"required": []any{"query_type", "standard_fields", "custom_fields"},
	"properties": map[string]any{
		"query_type":      map[string]any{"type": "string", "enum": []any{"company", "contact"}},
		"target_count":    map[string]any{"type": []any{"integer", "null"}},
		"standard_fields": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"custom_fields": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"key", "label"},
				"properties": map[string]any{
					"key":   map[string]any{"type": "string"},
					"label": map[string]any{"type": "string"},
				},
			},
		},
	},
})

// Resolve implements Resolver.
func (r *LLMResolver) Resolve(ctx context.Context, q model.Query, tr *cost.Tracker) (model.ResolvedSchema, error) {
	retry := resilience.RetryConfig{
		MaxAttempts:    r.retries + 1,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFraction: 0.2,
	}
	res, err := llm.GenerateJSON[schemaProposal](ctx, r.client, llm.Request{
		System:      r.system,
		Prompt:      fmt.Sprintf("Query: %s\n\nRespond with JSON only.", q.Text),
		Temperature: llm.Float(0),
		MaxTokens:   1024,
		CacheSystem: true,
	}, proposalSchema, retry)
	if res != nil {
		tr.AddLLM(res.Model, res.Usage)
	}
	if err != nil {
		return model.ResolvedSchema{}, &SchemaResolutionError{Query: q.Text, Attempts: res.Attempts, Err: err}
	}

	schema := r.build(res.Value, q)
	if err := schema.Validate(r.catalog); err != nil {
		return model.ResolvedSchema{}, &SchemaResolutionError{Query: q.Text, Attempts: res.Attempts, Err: err}
	}
	zap.L().Info("pipeline: schema resolved",
		zap.String("fingerprint", q.Fingerprint),
		zap.String("query_type", string(schema.QueryType)),
		zap.Int("target_count", schema.TargetCount),
		zap.Strings("standard_fields", schema.StandardFields),
		zap.Strings("custom_fields", schema.CustomKeys()),
	)
	return schema, nil
}

// build turns a model proposal into a schema: unknown standard fields are
// dropped, custom keys are slugged and deduped against each other and the
// catalog, and the target count is clamped.
const parentField = "company"

func (r *LLMResolver) build(p schemaProposal, q model.Query) model.ResolvedSchema {
	qt := p.QueryType
	if !qt.Valid() {
		qt = model.QueryTypeCompany
	}

	std := []string{"name"}
	for _, name := range p.StandardFields {
		name = strings.TrimSpace(strings.ToLower(name))
		if _, ok := r.catalog.Lookup(qt, name); ok && !slices.Contains(std, name) {
			std = append(std, name)
		}
	}
	// Contacts always carry their employer so the per-company cap applies.
	if _, ok := r.catalog.Lookup(qt, parentField); ok && qt == model.QueryTypeContact && !slices.Contains(std, parentField) {
		std = slices.Insert(std, 1, parentField)
	}

	var custom []model.CustomField
	seen := map[string]bool{}
	for _, cf := range p.CustomFields {
		if len(custom) == r.maxCustom {
			break
		}
		key := cf.Key
		if !model.ValidCustomKey(key) {
			key = model.SlugKey(key)
		}
		if !model.ValidCustomKey(key) {
			key = model.SlugKey(cf.Label)
		}
		label := strings.TrimSpace(cf.Label)
		if label == "" {
			label = key
		}
		switch {
		case !model.ValidCustomKey(key), seen[key]:
			continue
		case r.catalog.Overlaps(qt, key), r.catalog.Overlaps(qt, label):
			zap.L().Debug("pipeline: dropping custom field that duplicates a standard field", zap.String("key", key))
			continue
		}
		seen[key] = true
		custom = append(custom, model.CustomField{Key: key, Label: label})
	}

	target := model.DefaultTargetCount
	switch {
	case q.Options.TargetCount > 0:
		target = q.Options.TargetCount
	case p.TargetCount != nil:
		target = *p.TargetCount
	}

	return model.ResolvedSchema{
		QueryType:      qt,
		TargetCount:    model.ClampTargetCount(target),
		StandardFields: std,
		CustomFields:   custom,
	}
}

func resolverSystemPrompt(cat *model.Catalog, maxCustom int) string {
	var b strings.Builder
	b.WriteString("You design result tables for a B2B research tool. Given a search query, decide:\n")
	b.WriteString("1. query_type: \"company\" if the user wants organisations, \"contact\" if they want people.\n")
	b.WriteString("2. standard_fields: the fields from the catalog below worth showing for this query. Use catalog names exactly.\n")
	fmt.Fprintf(&b, "3. custom_fields: up to %d extra columns specific to this query that no catalog field covers. ", maxCustom)
	b.WriteString("Each has a snake_case key (lowercase letters, digits, underscores, starting with a letter) and a short label.\n")
	b.WriteString("4. target_count: how many results the user asked for, or null if they did not say.\n\n")
	for _, qt := range []model.QueryType{model.QueryTypeCompany, model.QueryTypeContact} {
		fmt.Fprintf(&b, "%s catalog:\n", qt)
		for _, f := range cat.Fields(qt) {
			fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Label)
		}
		b.WriteString("\n")
	}
	b.WriteString(`Output: {"query_type": "...", "target_count": null, "standard_fields": [...], "custom_fields": [{"key": "...", "label": "..."}]}`)
	return b.String()
}
