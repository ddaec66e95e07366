package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/account"
	"github.com/jononovo/send-claw2-sub007/internal/config"
	"github.com/jononovo/send-claw2-sub007/internal/cost"
	"github.com/jononovo/send-claw2-sub007/internal/export"
	"github.com/jononovo/send-claw2-sub007/internal/llm"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/pipeline"
	"github.com/jononovo/send-claw2-sub007/internal/research"
	"github.com/jononovo/send-claw2-sub007/internal/search"
	"github.com/jononovo/send-claw2-sub007/internal/session"
	"github.com/jononovo/send-claw2-sub007/internal/store"
	anthropicpkg "github.com/jononovo/send-claw2-sub007/pkg/anthropic"
	"github.com/jononovo/send-claw2-sub007/pkg/jina"
	"github.com/jononovo/send-claw2-sub007/pkg/notion"
)

// searchEnv holds everything the search, serve, runs and cache commands
// share. Fields past Sessions are only set by initSearch.
type searchEnv struct {
	Store    store.Store
	Sessions *session.Manager

	Catalog *model.Catalog
	Fetcher *research.Fetcher
	Service *search.Service
	Saver   export.Saver // nil unless notion is configured

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *searchEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	e.closers = nil
}

func (e *searchEnv) onClose(f func() error) {
	e.closers = append(e.closers, f)
}

// initStorage opens the store, the optional Redis result cache and the
// session manager. Callers should defer env.Close().
func initStorage(ctx context.Context) (*searchEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &searchEnv{Store: st}
	env.onClose(st.Close)

	if cfg.Store.MigrateOnRun {
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	var opts []session.Option
	if cfg.Redis.Enabled {
		cache, err := store.NewRedisCache(ctx, store.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			zap.L().Warn("redis cache unavailable, using store cache only", zap.Error(err))
		} else {
			env.onClose(cache.Close)
			opts = append(opts, session.WithResultCache(cache, hours(cfg.Search.CacheMaxAgeHours)))
			zap.L().Info("redis result cache enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	env.Sessions = session.NewManager(st, opts...)
	return env, nil
}

// initSearch builds the full search stack on top of initStorage. mode is
// passed to config validation.
func initSearch(ctx context.Context, mode string) (*searchEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(cfg.Search.CatalogPath)
	if err != nil {
		return nil, err
	}

	env, err := initStorage(ctx)
	if err != nil {
		return nil, err
	}
	env.Catalog = catalog

	client, closeLLM, err := newLLMClient(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeLLM != nil {
		env.onClose(closeLLM)
	}

	providers, err := research.DefaultRegistry().Build(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Fetcher = research.NewFetcher(providers, research.FetcherConfig{
		Timeout:          seconds(cfg.Research.TimeoutSecs),
		Retries:          cfg.Research.Retries,
		RateLimits:       cfg.Research.RateLimits,
		BreakerThreshold: cfg.Research.BreakerThreshold,
		BreakerReset:     seconds(cfg.Research.BreakerResetSecs),
	})
	zap.L().Info("research providers ready", zap.Strings("providers", env.Fetcher.Providers()))

	discCfg := pipeline.DiscovererConfig{Retries: cfg.Search.SchemaRetries}
	if cfg.Research.GroundDiscovery && cfg.Jina.Key != "" {
		discCfg.Grounding = jina.NewClient(cfg.Jina.Key, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}

	p := pipeline.New(
		pipeline.NewLLMResolver(client, catalog, pipeline.ResolverConfig{
			Retries:         cfg.Search.SchemaRetries,
			MaxCustomFields: cfg.Search.MaxCustomFields,
		}),
		pipeline.NewLLMDiscoverer(client, discCfg),
		env.Fetcher,
		pipeline.NewLLMExtractor(client, pipeline.ExtractorConfig{
			Retries: cfg.Search.ExtractRetries,
			Timeout: seconds(cfg.Search.ExtractTimeoutSecs),
		}),
		catalog,
		cost.NewCalculator(cfg.Pricing),
		pipeline.Config{
			Concurrency: cfg.Search.Concurrency,
			Aggregate: pipeline.AggregateOptions{
				MaxPerParent: cfg.Search.MaxPerParent,
				MinRelevance: cfg.Search.MinRelevance,
			},
		},
	)

	env.Service = search.NewService(p, env.Sessions, account.NewRateQuota(cfg.Search.RunsPerHour), search.Config{
		RunTimeout:  seconds(cfg.Search.RunTimeoutSecs),
		CacheMaxAge: hours(cfg.Search.CacheMaxAgeHours),
	})

	if cfg.Notion.Token != "" && cfg.Notion.ListDB != "" {
		env.Saver = export.NewNotionSaver(notion.NewClient(cfg.Notion.Token), cfg.Notion.ListDB, catalog)
		zap.L().Info("notion saved lists enabled")
	} else {
		zap.L().Debug("notion not configured, saving lists disabled")
	}

	return env, nil
}

// initStore opens the configured store driver.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "supersearch.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// newLLMClient builds the configured backend. The returned close func is
// nil when the client holds nothing to release.
func newLLMClient(ctx context.Context, c *config.Config) (llm.Client, func() error, error) {
	switch c.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.Model, c.Anthropic.MaxTokens), nil, nil
	case "gemini":
		g, err := llm.NewGeminiClient(ctx, c.Gemini.Key, c.Gemini.Model)
		if err != nil {
			return nil, nil, eris.Wrap(err, "init gemini")
		}
		return g, g.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
}

func loadCatalog(path string) (*model.Catalog, error) {
	if path == "" {
		return model.DefaultCatalog(), nil
	}
	cat, err := model.LoadCatalog(path)
	if err != nil {
		return nil, eris.Wrap(err, "load field catalog")
	}
	zap.L().Info("field catalog loaded", zap.String("path", path))
	return cat, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func hours(n int) time.Duration { return time.Duration(n) * time.Hour }
