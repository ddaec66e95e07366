package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/resilience"
	"github.com/jononovo/send-claw2-sub007/pkg/anthropic"
)

const defaultMaxTokens = 4096

// AnthropicClient generates with Claude via pkg/anthropic.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicClient wraps an anthropic.Client. maxTokens <= 0 uses the
// package default.
func NewAnthropicClient(client anthropic.Client, model string, maxTokens int64) *AnthropicClient {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicClient{client: client, model: model, maxTokens: maxTokens}
}

// Model returns the configured model ID.
func (c *AnthropicClient) Model() string { return c.model }

// Generate sends one user message.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgReq := anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	switch {
	case req.System != "" && req.CacheSystem:
		msgReq.System = anthropic.CachedSystem(req.System)
	case req.System != "":
		msgReq.System = []anthropic.SystemBlock{{Text: req.System}}
	}

	resp, err := c.client.CreateMessage(ctx, msgReq)
	if err != nil {
		wrapped := eris.Wrap(err, "llm: anthropic generate")
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(wrapped, code)
		}
		return nil, wrapped
	}
	return &Response{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: Usage{
			InputTokens:     resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			CacheReadTokens: resp.Usage.CacheReadInputTokens,
		},
	}, nil
}
