package research

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/pkg/firecrawl"
)

// FirecrawlProvider scrapes the entity's website when discovery supplied
// one and falls back to Firecrawl search otherwise.
type FirecrawlProvider struct {
	client   firecrawl.Client
	limit    int
	maxChars int
}

// NewFirecrawlProvider wraps a Firecrawl client.
func NewFirecrawlProvider(client firecrawl.Client) *FirecrawlProvider {
	return &FirecrawlProvider{client: client, limit: 2, maxChars: 8000}
}

// Name implements Provider.
func (p *FirecrawlProvider) Name() string { return "firecrawl" }

// Research implements Provider.
func (p *FirecrawlProvider) Research(ctx context.Context, e model.CandidateEntity) ([]model.ResearchChunk, error) {
	if e.Website != "" {
		resp, err := p.client.Scrape(ctx, firecrawl.ScrapeRequest{URL: e.Website, Formats: []string{"markdown"}})
		if err != nil {
			return nil, eris.Wrapf(err, "firecrawl: scrape %s", e.Website)
		}
		if chunk, ok := p.chunk(resp.Data, e.Website); ok {
			return []model.ResearchChunk{chunk}, nil
		}
		return nil, nil
	}

	resp, err := p.client.Search(ctx, firecrawl.SearchRequest{
		Query:         subject(e),
		Limit:         p.limit,
		ScrapeOptions: &firecrawl.ScrapeOptions{Formats: []string{"markdown"}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: search")
	}
	var chunks []model.ResearchChunk
	for _, page := range resp.Data {
		if chunk, ok := p.chunk(page, page.URL); ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

func (p *FirecrawlProvider) chunk(page firecrawl.PageData, fallbackURL string) (model.ResearchChunk, bool) {
	body := strings.TrimSpace(page.Markdown)
	if body == "" {
		body = strings.TrimSpace(page.Description)
	}
	if body == "" {
		return model.ResearchChunk{}, false
	}
	if page.Title != "" {
		body = page.Title + "\n" + body
	}
	src := page.URL
	if src == "" {
		src = fallbackURL
	}
	return model.ResearchChunk{
		Text:       truncate(body, p.maxChars),
		Provenance: model.Provenance{SourceURL: src},
	}, true
}
