package research

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/pkg/jina"
)

// JinaProvider uses Jina web search snippets.
type JinaProvider struct {
	client     jina.Client
	maxResults int
	maxChars   int
}

// NewJinaProvider wraps a Jina client, keeping the top maxResults hits.
func NewJinaProvider(client jina.Client, maxResults int) *JinaProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &JinaProvider{client: client, maxResults: maxResults, maxChars: 4000}
}

// Name implements Provider.
func (p *JinaProvider) Name() string { return "jina" }

// Research implements Provider.
func (p *JinaProvider) Research(ctx context.Context, e model.CandidateEntity) ([]model.ResearchChunk, error) {
	resp, err := p.client.Search(ctx, subject(e))
	if err != nil {
		return nil, eris.Wrap(err, "jina: research")
	}

	var chunks []model.ResearchChunk
	for _, r := range resp.Data {
		if len(chunks) == p.maxResults {
			break
		}
		body := strings.TrimSpace(r.Text())
		if body == "" {
			continue
		}
		text := body
		if r.Title != "" {
			text = r.Title + "\n" + body
		}
		chunks = append(chunks, model.ResearchChunk{
			Text:       truncate(text, p.maxChars),
			Provenance: model.Provenance{SourceURL: r.URL},
		})
	}
	return chunks, nil
}
