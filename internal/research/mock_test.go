package research

import (
	"context"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/pkg/firecrawl"
	"github.com/jononovo/send-claw2-sub007/pkg/google"
	"github.com/jononovo/send-claw2-sub007/pkg/jina"
	"github.com/jononovo/send-claw2-sub007/pkg/perplexity"
)

// --- Perplexity Mock ---

type mockPerplexityClient struct {
	mock.Mock
}

func (m *mockPerplexityClient) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*perplexity.ChatCompletionResponse), args.Error(1)
}

// --- Jina Mock ---

type mockJinaClient struct {
	mock.Mock
}

func (m *mockJinaClient) Search(ctx context.Context, query string, _ ...jina.SearchOption) (*jina.SearchResponse, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.SearchResponse), args.Error(1)
}

// --- Firecrawl Mock ---

type mockFirecrawlClient struct {
	mock.Mock
}

func (m *mockFirecrawlClient) Search(ctx context.Context, req firecrawl.SearchRequest) (*firecrawl.SearchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.SearchResponse), args.Error(1)
}

func (m *mockFirecrawlClient) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.ScrapeResponse), args.Error(1)
}

// --- Google Places Mock ---

type mockPlacesClient struct {
	mock.Mock
}

func (m *mockPlacesClient) TextSearch(ctx context.Context, query string) (*google.TextSearchResponse, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*google.TextSearchResponse), args.Error(1)
}

// --- Provider stub ---

// stubProvider runs fn for every call and counts calls.
type stubProvider struct {
	name  string
	fn    func(ctx context.Context, e model.CandidateEntity) ([]model.ResearchChunk, error)
	calls atomicCounter
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Research(ctx context.Context, e model.CandidateEntity) ([]model.ResearchChunk, error) {
	s.calls.inc()
	return s.fn(ctx, e)
}

type atomicCounter struct{ n atomic.Int64 }

func (c *atomicCounter) inc()        { c.n.Add(1) }
func (c *atomicCounter) load() int64 { return c.n.Load() }
