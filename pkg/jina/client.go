// Package jina provides a client for the Jina AI search API.
package jina

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/pkg/httpjson"
)

// Client defines the Jina search operation.
type Client interface {
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// SearchResponse is the parsed Jina search response.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// SearchResult is a single search hit. Content holds the page text when the
// API was able to read it.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// Text returns the best available text for the hit.
func (r SearchResult) Text() string {
	if r.Content != "" {
		return r.Content
	}
	return r.Description
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	site string
}

// WithSiteFilter restricts results to one domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) { o.site = domain }
}

// APIError is returned for unexpected statuses.
type APIError = httpjson.StatusError

const defaultSearchBaseURL = "https://s.jina.ai"

// Option configures the client.
type Option func(*options)

type options struct {
	searchBaseURL string
}

// WithSearchBaseURL sets a custom search base URL.
func WithSearchBaseURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.searchBaseURL = u
		}
	}
}

type httpClient struct {
	api *httpjson.Client
}

// NewClient creates a new Jina search client.
func NewClient(apiKey string, opts ...Option) Client {
	o := options{searchBaseURL: defaultSearchBaseURL}
	for _, opt := range opts {
		opt(&o)
	}
	return &httpClient{api: httpjson.New("jina", o.searchBaseURL, httpjson.PooledClient(30*time.Second), httpjson.Bearer(apiKey))}
}

// Search runs a query. The query is the request path; a 422 means the
// query matched nothing.
func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	var so searchOpts
	for _, opt := range opts {
		opt(&so)
	}

	call := httpjson.Call{
		Path:  "/" + url.PathEscape(query),
		Empty: []int{http.StatusUnprocessableEntity},
	}
	if so.site != "" {
		call.Query = url.Values{"site": {so.site}}
	}

	var resp SearchResponse
	status, err := c.api.Do(ctx, call, &resp)
	if err != nil {
		return nil, eris.Wrap(err, "jina: search")
	}
	if status == http.StatusUnprocessableEntity {
		resp.Code = status
	}
	return &resp, nil
}
