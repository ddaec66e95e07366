package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/cost"
	"github.com/jononovo/send-claw2-sub007/internal/llm"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/resilience"
)

// maxResearchChars caps the research text sent for one entity.
const maxResearchChars = 24000

// RecordShape is the per-run extraction contract: the resolved schema plus
// the JSON Schema every extracted record must satisfy.
type RecordShape struct {
	Schema model.ResolvedSchema

	kinds  map[string]model.FieldKind
	labels map[string]string
	json   *llm.Schema
}

// NewRecordShape compiles the record schema for s. Unknown keys are
// rejected at every level.
func NewRecordShape(s model.ResolvedSchema, cat *model.Catalog) (*RecordShape, error) {
	shape := &RecordShape{
		Schema: s,
		kinds:  make(map[string]model.FieldKind, len(s.StandardFields)),
		labels: make(map[string]string, len(s.StandardFields)),
	}

	fieldProps := map[string]any{}
	for _, name := range s.StandardFields {
		f, ok := cat.Lookup(s.QueryType, name)
		if !ok {
			return nil, eris.Errorf("pipeline: field %q not in %s catalog", name, s.QueryType)
		}
		shape.kinds[name] = f.Kind
		shape.labels[name] = f.Label
		fieldProps[name] = map[string]any{"type": jsonTypes(f.Kind)}
	}

	customProps := map[string]any{}
	customRequired := []any{}
	for _, cf := range s.CustomFields {
		customProps[cf.Key] = map[string]any{"type": []any{"string", "number", "boolean", "null"}}
		customRequired = append(customRequired, cf.Key)
	}

	doc := map[string]any{
		"type":                 "object",
		"required":             []any{"name", "relevance_score", "fields", "custom_field_values"},
		"additionalProperties": false,
		"properties": map[string]any{
			"name":            map[string]any{"type": "string", "minLength": 1},
			"relevance_score": map[string]any{"type": []any{"number", "null"}, "minimum": 0, "maximum": 100},
			"fields": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           fieldProps,
			},
			"custom_field_values": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             customRequired,
				"properties":           customProps,
			},
		},
	}
	compiled, err := llm.CompileSchema(doc)
	if err != nil {
		return nil, err
	}
	shape.json = compiled
	return shape, nil
}

func jsonTypes(k model.FieldKind) []any {
	switch k {
	case model.KindInteger:
		return []any{"integer", "null"}
	case model.KindNumber:
		return []any{"number", "null"}
	default:
		return []any{"string", "null"}
	}
}

// Extractor turns one entity's research into a record.
type Extractor interface {
	Extract(ctx context.Context, q model.Query, entity model.CandidateEntity, raw *model.RawResearch, shape *RecordShape, tr *cost.Tracker) (model.EntityRecord, error)
}

// ExtractorConfig tunes the LLM extractor.
type ExtractorConfig struct {
	Retries int

	// Timeout bounds one extraction including its retries.
	Timeout time.Duration
}

// LLMExtractor extracts records with a language model.
type LLMExtractor struct {
	client  llm.Client
	retries int
	timeout time.Duration
}

// NewLLMExtractor builds an extractor.
func NewLLMExtractor(client llm.Client, cfg ExtractorConfig) *LLMExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &LLMExtractor{client: client, retries: max(cfg.Retries, 0), timeout: cfg.Timeout}
}

type extraction struct {
	Name              string         `json:"name"`
	RelevanceScore    *float64       `json:"relevance_score"`
	Fields            map[string]any `json:"fields"`
	CustomFieldValues map[string]any `json:"custom_field_values"`
}

// Extract implements Extractor. The model call runs to completion or
// timeout even if ctx is cancelled, but no retry starts after that.
func (x *LLMExtractor) Extract(ctx context.Context, q model.Query, entity model.CandidateEntity, raw *model.RawResearch, shape *RecordShape, tr *cost.Tracker) (model.EntityRecord, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.timeout)
	defer cancel()

	retry := resilience.RetryConfig{
		MaxAttempts:    x.retries + 1,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFraction: 0.2,
		ShouldRetry: func(err error) bool {
			return ctx.Err() == nil && llm.IsRetryable(err)
		},
	}
	res, err := llm.GenerateJSON[extraction](callCtx, x.client, llm.Request{
		System:      extractionSystemPrompt(q, shape),
		Prompt:      extractionPrompt(entity, raw),
		Temperature: llm.Float(0),
		CacheSystem: true,
	}, shape.json, retry)
	tr.AddLLM(res.Model, res.Usage)
	if err != nil {
		return model.EntityRecord{}, &ExtractionError{Entity: entity.Name, Attempts: res.Attempts, Err: err}
	}

	rec := buildRecord(res.Value, entity, raw, shape)
	if err := rec.ValidateAgainst(shape.Schema); err != nil {
		return model.EntityRecord{}, &ExtractionError{Entity: entity.Name, Attempts: res.Attempts, Err: err}
	}
	return rec, nil
}

// buildRecord normalizes a validated extraction into a record: every
// requested field and custom key is present (null when unknown) and
// contact values that cannot be found in the research are nulled.
func buildRecord(ex extraction, entity model.CandidateEntity, raw *model.RawResearch, shape *RecordShape) model.EntityRecord {
	s := shape.Schema
	rec := model.EntityRecord{
		Type:              s.QueryType,
		Name:              strings.TrimSpace(ex.Name),
		Relevance:         ex.RelevanceScore,
		CompanyID:         entity.CompanyID,
		ParentName:        strings.TrimSpace(entity.Company),
		Fields:            make(map[string]any, len(s.StandardFields)),
		CustomFieldValues: make(map[string]any, len(s.CustomFields)),
		Sources:           raw.Providers(),
		DiscoveryIndex:    entity.Index,
	}
	if rec.Name == "" {
		rec.Name = entity.Name
	}

	for _, name := range s.StandardFields {
		rec.Fields[name] = nullIfBlank(ex.Fields[name])
	}
	rec.Fields["name"] = rec.Name
	if s.HasStandard("company") && rec.Fields["company"] == nil && entity.Company != "" {
		rec.Fields["company"] = entity.Company
	}
	for _, key := range s.CustomKeys() {
		rec.CustomFieldValues[key] = nullIfBlank(ex.CustomFieldValues[key])
	}

	corpus := strings.ToLower(raw.Text())
	for _, name := range s.StandardFields {
		if v, ok := rec.Fields[name].(string); ok && !grounded(v, shape.kinds[name], corpus) {
			rec.Fields[name] = nil
			rec.NulledUngrounded = append(rec.NulledUngrounded, name)
		}
	}
	for _, key := range s.CustomKeys() {
		v, ok := rec.CustomFieldValues[key].(string)
		if !ok {
			continue
		}
		if kind := sniffKind(v); kind != model.KindString && !grounded(v, kind, corpus) {
			rec.CustomFieldValues[key] = nil
			rec.NulledUngrounded = append(rec.NulledUngrounded, key)
		}
	}
	return rec
}

func nullIfBlank(v any) any {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		switch strings.ToLower(s) {
		case "", "null", "unknown", "n/a", "none":
			return nil
		}
		return s
	}
	return v
}

// grounded reports whether an email or URL value appears in the research.
// Other kinds are not checked.
func grounded(v string, kind model.FieldKind, corpus string) bool {
	switch kind {
	case model.KindEmail:
		return strings.Contains(corpus, strings.ToLower(v))
	case model.KindURL:
		host := hostOf(v)
		return host != "" && strings.Contains(corpus, host)
	}
	return true
}

func hostOf(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// sniffKind classifies a free-form custom value as an email or URL.
func sniffKind(v string) model.FieldKind {
	if strings.ContainsAny(v, " \t\n") {
		return model.KindString
	}
	if strings.Count(v, "@") == 1 && strings.Contains(v[strings.Index(v, "@"):], ".") {
		return model.KindEmail
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return model.KindURL
	}
	return model.KindString
}

func extractionSystemPrompt(q model.Query, shape *RecordShape) string {
	s := shape.Schema
	var b strings.Builder
	fmt.Fprintf(&b, "You extract facts about one %s at a time from research notes for the search query %q.\n\n", s.QueryType, q.Text)
	b.WriteString("Rules:\n")
	b.WriteString("- Use only facts stated in the research notes. If a value is not stated, use null. Null is always better than a guess.\n")
	b.WriteString("- Never construct emails, phone numbers or URLs from patterns; copy them exactly as they appear.\n")
	b.WriteString("- relevance_score is 0 to 100: how well this entity matches the search query, judged from the notes.\n")
	b.WriteString("- Do not add keys that are not listed.\n\n")
	b.WriteString("fields:\n")
	for _, name := range s.StandardFields {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", name, shape.labels[name], shape.kinds[name])
	}
	if len(s.CustomFields) > 0 {
		b.WriteString("\ncustom_field_values (every key required, null when unknown):\n")
		for _, cf := range s.CustomFields {
			fmt.Fprintf(&b, "- %s: %s\n", cf.Key, cf.Label)
		}
	}
	b.WriteString("\nThe answer must validate against this JSON Schema:\n")
	b.WriteString(shape.json.Doc())
	return b.String()
}

func extractionPrompt(entity model.CandidateEntity, raw *model.RawResearch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s", entity.Name)
	if entity.Company != "" {
		fmt.Fprintf(&b, " (%s)", entity.Company)
	}
	b.WriteString("\n\nResearch notes:\n")
	b.WriteString(model.Truncate(raw.Text(), maxResearchChars))
	b.WriteString("\nRespond with JSON only.")
	return b.String()
}
