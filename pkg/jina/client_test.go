package jina

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fintech startups austin", r.URL.Path)
		assert.Equal(t, "acme.test", r.URL.Query().Get("site"))
		assert.Equal(t, "Bearer jk", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"code":200,"data":[
			{"title":"Acme","url":"https://acme.test","content":"Acme is a fintech.","description":"short"},
			{"title":"Beta","url":"https://beta.test","description":"Beta does payments."}
		]}`))
	}))
	defer srv.Close()

	c := NewClient("jk", WithSearchBaseURL(srv.URL))
	resp, err := c.Search(context.Background(), "fintech startups austin", WithSiteFilter("acme.test"))
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "Acme is a fintech.", resp.Data[0].Text())
	assert.Equal(t, "Beta does payments.", resp.Data[1].Text())
}

func TestSearch_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	resp, err := NewClient("jk", WithSearchBaseURL(srv.URL)).Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"unavailable", http.StatusServiceUnavailable, "down", "unexpected status 503"},
		{"unauthorized", http.StatusUnauthorized, "bad key", "unexpected status 401"},
		{"malformed", http.StatusOK, "{nope", "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient("jk", WithSearchBaseURL(srv.URL)).Search(context.Background(), "q")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var apiErr *APIError
			if tt.status != http.StatusOK {
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tt.status, apiErr.HTTPStatus())
			}
		})
	}
}
