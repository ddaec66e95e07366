// Package httpjson is the JSON-over-HTTP plumbing shared by the research
// provider clients: pooled transport, auth headers, status classification
// and response decoding.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// maxErrorBody caps how much of a failed response is kept on StatusError.
const maxErrorBody = 4 << 10

// StatusError is returned when a service answers with a status the call
// did not accept.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	svc := e.Service
	if svc == "" {
		svc = "http"
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", svc, e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code for retry classification.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// PooledClient returns an http.Client that keeps idle connections to a
// single API host.
func PooledClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Client sends JSON requests to one base URL.
type Client struct {
	service string
	baseURL string
	http    *http.Client
	header  http.Header
}

// New creates a Client. Header is sent on every request.
func New(service, baseURL string, hc *http.Client, header http.Header) *Client {
	if hc == nil {
		hc = PooledClient(30 * time.Second)
	}
	return &Client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		header:  header,
	}
}

// Bearer returns a header carrying token as a bearer credential.
func Bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// Call describes one request.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	// Body is encoded as JSON when non-nil.
	Body   any
	Header http.Header
	// Empty lists statuses that mean "no data". They return without error
	// and leave out untouched.
	Empty []int
}

// Do sends call and decodes a 2xx body into out. It returns the response
// status alongside any error.
func (c *Client) Do(ctx context.Context, call Call, out any) (int, error) {
	req, err := c.newRequest(ctx, call)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, eris.Wrapf(err, "%s: send request", c.service)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, eris.Wrapf(err, "%s: read response", c.service)
	}

	switch {
	case slices.Contains(call.Empty, resp.StatusCode):
		return resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return resp.StatusCode, &StatusError{Service: c.service, StatusCode: resp.StatusCode, Body: string(data)}
	case out == nil:
		return resp.StatusCode, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, eris.Wrapf(err, "%s: decode response", c.service)
	}
	return resp.StatusCode, nil
}

// Post sends body to path and decodes the reply into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	_, err := c.Do(ctx, Call{Method: http.MethodPost, Path: path, Body: body}, out)
	return err
}

func (c *Client) newRequest(ctx context.Context, call Call) (*http.Request, error) {
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.baseURL + call.Path
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		buf, err := json.Marshal(call.Body)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: encode request", c.service)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", c.service)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range []http.Header{c.header, call.Header} {
		for k, vs := range h {
			req.Header[k] = vs
		}
	}
	return req, nil
}
