package research

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/config"
	"github.com/jononovo/send-claw2-sub007/pkg/firecrawl"
	"github.com/jononovo/send-claw2-sub007/pkg/google"
	"github.com/jononovo/send-claw2-sub007/pkg/jina"
	"github.com/jononovo/send-claw2-sub007/pkg/perplexity"
)

// Factory builds a provider from configuration.
type Factory func(cfg *config.Config) Provider

// Registry maps provider names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in provider.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("perplexity", func(cfg *config.Config) Provider {
		return NewPerplexityProvider(perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model)))
	})
	r.Register("jina", func(cfg *config.Config) Provider {
		return NewJinaProvider(jina.NewClient(cfg.Jina.Key, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL)), 3)
	})
	r.Register("firecrawl", func(cfg *config.Config) Provider {
		return NewFirecrawlProvider(firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL)))
	})
	r.Register("google", func(cfg *config.Config) Provider {
		return NewPlacesProvider(google.NewClient(cfg.Google.Key, google.WithBaseURL(cfg.Google.BaseURL)))
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the providers enabled in cfg.Research.Providers, in
// configured order.
func (r *Registry) Build(cfg *config.Config) ([]Provider, error) {
	if len(cfg.Research.Providers) == 0 {
		return nil, eris.New("research: no providers enabled")
	}
	seen := make(map[string]bool, len(cfg.Research.Providers))
	out := make([]Provider, 0, len(cfg.Research.Providers))
	for _, name := range cfg.Research.Providers {
		if seen[name] {
			continue
		}
		seen[name] = true
		f, ok := r.factories[name]
		if !ok {
			return nil, eris.Errorf("research: unknown provider %q", name)
		}
		out = append(out, f(cfg))
	}
	return out, nil
}
