// Package firecrawl is a client for the Firecrawl search and scrape API.
package firecrawl

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/pkg/httpjson"
)

const defaultBaseURL = "https://api.firecrawl.dev/v1"

// Client defines the Firecrawl operations we use.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResponse, error)
}

// SearchRequest is the body for POST /search.
type SearchRequest struct {
	Query         string         `json:"query"`
	Limit         int            `json:"limit,omitempty"`
	ScrapeOptions *ScrapeOptions `json:"scrapeOptions,omitempty"`
}

// ScrapeOptions asks search to also scrape each hit.
type ScrapeOptions struct {
	Formats []string `json:"formats,omitempty"`
}

// SearchResponse is the response from POST /search.
type SearchResponse struct {
	Success bool       `json:"success"`
	Data    []PageData `json:"data"`
}

// ScrapeRequest is the body for POST /scrape.
type ScrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats,omitempty"`
}

// ScrapeResponse is the response from POST /scrape.
type ScrapeResponse struct {
	Success bool     `json:"success"`
	Data    PageData `json:"data"`
}

// PageData is one page from search or scrape.
type PageData struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Markdown    string `json:"markdown"`
}

// APIError is returned when Firecrawl responds with a non-2xx status.
type APIError = httpjson.StatusError

// Option configures the client.
type Option func(*options)

type options struct {
	baseURL string
}

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = url
		}
	}
}

type httpClient struct {
	api *httpjson.Client
}

// NewClient creates a new Firecrawl client. Scrapes render pages, so the
// timeout is generous.
func NewClient(apiKey string, opts ...Option) Client {
	o := options{baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(&o)
	}
	return &httpClient{api: httpjson.New("firecrawl", o.baseURL, httpjson.PooledClient(60*time.Second), httpjson.Bearer(apiKey))}
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.api.Post(ctx, "/search", req, &resp); err != nil {
		return nil, eris.Wrap(err, "firecrawl: search")
	}
	return &resp, nil
}

func (c *httpClient) Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResponse, error) {
	var resp ScrapeResponse
	if err := c.api.Post(ctx, "/scrape", req, &resp); err != nil {
		return nil, eris.Wrap(err, "firecrawl: scrape")
	}
	return &resp, nil
}
