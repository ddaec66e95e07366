package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/jononovo/send-claw2-sub007/internal/resilience"
)

// ErrMalformedOutput marks model output that is not valid JSON or does not
// match the requested schema. It is retryable.
var ErrMalformedOutput = eris.New("llm: malformed output")

// CleanJSON strips markdown fences and any prose around the outermost JSON
// object or array.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	open := strings.IndexAny(s, "{[")
	if open < 0 {
		return s
	}
	closer := byte('}')
	if s[open] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= open {
		return s[open:]
	}
	return s[open : end+1]
}

// FieldError is one schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every schema violation in a document.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

// Schema is a compiled JSON Schema.
type Schema struct {
	doc    map[string]any
	schema *gojsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(doc map[string]any) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, eris.Wrap(err, "llm: compile schema")
	}
	return &Schema{doc: doc, schema: s}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(doc map[string]any) *Schema {
	s, err := CompileSchema(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Doc returns the schema rendered as indented JSON, for embedding in prompts.
func (s *Schema) Doc() string {
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Validate checks raw against the schema. Failures wrap ErrMalformedOutput
// and carry a *ValidationError.
func (s *Schema) Validate(raw []byte) error {
	res, err := s.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return eris.Wrapf(ErrMalformedOutput, "invalid json: %v", err)
	}
	if res.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, desc := range res.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		verr.Errors = append(verr.Errors, FieldError{Field: field, Message: desc.Description()})
	}
	return fmt.Errorf("%w: %w", ErrMalformedOutput, verr)
}

// Result is a decoded structured response.
type Result[T any] struct {
	Value    T
	Raw      string
	Model    string
	Usage    Usage
	Attempts int
}

// IsRetryable reports whether a failed generation should be attempted again.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrMalformedOutput) || resilience.IsTransient(err)
}

// GenerateJSON asks c for JSON matching schema and decodes it into T.
// Malformed output and transient failures are retried under retry. Usage
// is summed over every attempt, including failed ones.
func GenerateJSON[T any](ctx context.Context, c Client, req Request, schema *Schema, retry resilience.RetryConfig) (*Result[T], error) {
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = IsRetryable
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("llm", "generate_json")
	}

	out := &Result[T]{Model: c.Model()}
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		out.Attempts++
		resp, err := c.Generate(ctx, req)
		if err != nil {
			return err
		}
		out.Usage = out.Usage.Add(resp.Usage)
		if resp.Model != "" {
			out.Model = resp.Model
		}

		raw := CleanJSON(resp.Text)
		if schema != nil {
			if err := schema.Validate([]byte(raw)); err != nil {
				return err
			}
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return eris.Wrapf(ErrMalformedOutput, "decode: %v", err)
		}
		out.Value = v
		out.Raw = raw
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}
