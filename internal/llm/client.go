// Package llm is the structured-output language model layer: a backend
// interface with Anthropic and Gemini implementations, plus schema-checked
// JSON generation with retries.
package llm

import "context"

// Request is one prompt to the model.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64

	// CacheSystem marks the system prompt as reusable across calls, for
	// backends that support prompt caching.
	CacheSystem bool
}

// Usage is token consumption for one or more calls.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens"`
}

// Add returns u plus o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:     u.InputTokens + o.InputTokens,
		OutputTokens:    u.OutputTokens + o.OutputTokens,
		CacheReadTokens: u.CacheReadTokens + o.CacheReadTokens,
	}
}

// Response is the raw model output.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client is a text-generation backend.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Float is a helper for Request.Temperature.
func Float(f float64) *float64 { return &f }
