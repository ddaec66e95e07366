package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/pkg/perplexity"
)

const perplexitySystem = "You are a research assistant. Report only facts you can find in your sources. " +
	"Say \"unknown\" rather than guessing. Include source URLs inline."

// PerplexityProvider asks Perplexity's online model for a factual profile.
type PerplexityProvider struct {
	client perplexity.Client
}

// NewPerplexityProvider wraps a Perplexity client.
func NewPerplexityProvider(client perplexity.Client) *PerplexityProvider {
	return &PerplexityProvider{client: client}
}

// Name implements Provider.
func (p *PerplexityProvider) Name() string { return "perplexity" }

// Research implements Provider.
func (p *PerplexityProvider) Research(ctx context.Context, e model.CandidateEntity) ([]model.ResearchChunk, error) {
	maxTokens := 1200
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: perplexitySystem},
			{Role: "user", Content: perplexityPrompt(e)},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: research")
	}

	text := strings.TrimSpace(resp.Content())
	if text == "" {
		return nil, nil
	}
	if len(resp.Citations) > 0 {
		text += "\n\nCitations:\n" + strings.Join(resp.Citations, "\n")
	}
	chunk := model.ResearchChunk{Text: text}
	if len(resp.Citations) > 0 {
		chunk.Provenance.SourceURL = resp.Citations[0]
	}
	return []model.ResearchChunk{chunk}, nil
}

func perplexityPrompt(e model.CandidateEntity) string {
	if e.Type == model.QueryTypeContact {
		at := ""
		if e.Company != "" {
			at = " at " + e.Company
		}
		return fmt.Sprintf("Research the professional %s%s. Report their current job title, company, "+
			"seniority, department, location, public business email, phone and LinkedIn URL.", e.Name, at)
	}
	site := ""
	if e.Website != "" {
		site = " (" + e.Website + ")"
	}
	return fmt.Sprintf("Research the company %s%s. Report what it does, industry, headquarters location, "+
		"website, employee count, founding year, funding stage and total funding, revenue range, "+
		"LinkedIn URL, and public contact email and phone.", e.Name, site)
}
