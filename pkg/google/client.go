// Package google is a client for the Google Places text search API.
package google

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jononovo/send-claw2-sub007/pkg/httpjson"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

var fieldMask = strings.Join([]string{
	"places.displayName",
	"places.formattedAddress",
	"places.websiteUri",
	"places.nationalPhoneNumber",
	"places.primaryTypeDisplayName",
	"places.editorialSummary",
	"places.rating",
	"places.userRatingCount",
}, ",")

// Client performs Google Places API operations.
type Client interface {
	TextSearch(ctx context.Context, query string) (*TextSearchResponse, error)
}

// TextSearchResponse is the response from Places Text Search.
type TextSearchResponse struct {
	Places []Place `json:"places"`
}

// Place is a place returned by the API.
type Place struct {
	DisplayName      LocalizedText `json:"displayName"`
	FormattedAddress string        `json:"formattedAddress"`
	WebsiteURI       string        `json:"websiteUri"`
	Phone            string        `json:"nationalPhoneNumber"`
	PrimaryType      LocalizedText `json:"primaryTypeDisplayName"`
	EditorialSummary LocalizedText `json:"editorialSummary"`
	Rating           float64       `json:"rating"`
	UserRatingCount  int           `json:"userRatingCount"`
}

// LocalizedText is a text value with its language.
type LocalizedText struct {
	Text string `json:"text"`
}

// Describe renders the place as plain text lines.
func (p Place) Describe() string {
	var b strings.Builder
	line := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	line("Name", p.DisplayName.Text)
	line("Category", p.PrimaryType.Text)
	line("Address", p.FormattedAddress)
	line("Website", p.WebsiteURI)
	line("Phone", p.Phone)
	line("Summary", p.EditorialSummary.Text)
	if p.UserRatingCount > 0 {
		fmt.Fprintf(&b, "Rating: %.1f (%d reviews)\n", p.Rating, p.UserRatingCount)
	}
	return b.String()
}

// APIError is returned for non-2xx responses.
type APIError = httpjson.StatusError

// Option configures the client.
type Option func(*options)

type options struct {
	baseURL string
}

// WithBaseURL overrides the default API base URL.
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

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	o := options{baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(&o)
	}
	h := http.Header{}
	h.Set("X-Goog-Api-Key", apiKey)
	h.Set("X-Goog-FieldMask", fieldMask)
	return &httpClient{api: httpjson.New("google", o.baseURL, httpjson.PooledClient(10*time.Second), h)}
}

type textSearchRequest struct {
	TextQuery string `json:"textQuery"`
	PageSize  int    `json:"pageSize,omitempty"`
}

// TextSearch returns the top three places matching query.
func (c *httpClient) TextSearch(ctx context.Context, query string) (*TextSearchResponse, error) {
	var resp TextSearchResponse
	if err := c.api.Post(ctx, "/places:searchText", textSearchRequest{TextQuery: query, PageSize: 3}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
