// Package research fetches raw research text about candidate entities from
// external providers.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/resilience"
)

// Provider returns raw research about one entity. Providers leave
// Provenance.Provider and FetchedAt unset; the Fetcher stamps them.
type Provider interface {
	Name() string
	Research(ctx context.Context, entity model.CandidateEntity) ([]model.ResearchChunk, error)
}

// ProviderError is a failed or timed-out call to one provider for one
// entity. It never aborts a fetch.
type ProviderError struct {
	Provider string
	Entity   string
	Timeout  bool
	Err      error
}

func (e *ProviderError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("research: provider %s %s for %q: %v", e.Provider, kind, e.Entity, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// isTransient reports whether a provider error is worth retrying and should
// count against the provider's circuit breaker.
func isTransient(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return resilience.IsTransient(err)
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return model.Truncate(s, n) + "\n[truncated]"
}

// subject renders the entity the way search providers expect it.
func subject(e model.CandidateEntity) string {
	parts := []string{e.Name}
	switch {
	case e.Type == model.QueryTypeContact && e.Company != "":
		parts = append(parts, e.Company)
	case e.Type == model.QueryTypeCompany:
		parts = append(parts, "company")
	}
	return strings.Join(parts, " ")
}
