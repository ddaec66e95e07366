package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Research   ResearchConfig   `yaml:"research" mapstructure:"research"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run and result store.
type StoreConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL  string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns     int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns     int32  `yaml:"min_conns" mapstructure:"min_conns"`
	SQLitePath   string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MigrateOnRun bool   `yaml:"migrate_on_run" mapstructure:"migrate_on_run"`
}

// RedisConfig configures the optional shared result cache.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// LLMConfig selects the structured-output backend.
type LLMConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Google Gemini settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GoogleConfig holds Google Places settings.
type GoogleConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ResearchConfig configures the research fetcher.
type ResearchConfig struct {
	Providers        []string           `yaml:"providers" mapstructure:"providers"`
	TimeoutSecs      int                `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries          int                `yaml:"retries" mapstructure:"retries"`
	RateLimits       map[string]float64 `yaml:"rate_limits" mapstructure:"rate_limits"`
	BreakerThreshold int                `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int                `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	GroundDiscovery  bool               `yaml:"ground_discovery" mapstructure:"ground_discovery"`
}

// SearchConfig configures pipeline runs.
type SearchConfig struct {
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	RunTimeoutSecs     int     `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
	ExtractTimeoutSecs int     `yaml:"extract_timeout_secs" mapstructure:"extract_timeout_secs"`
	SchemaRetries      int     `yaml:"schema_retries" mapstructure:"schema_retries"`
	ExtractRetries     int     `yaml:"extract_retries" mapstructure:"extract_retries"`
	MinRelevance       float64 `yaml:"min_relevance" mapstructure:"min_relevance"`
	MaxPerParent       int     `yaml:"max_per_parent" mapstructure:"max_per_parent"`
	CacheMaxAgeHours   int     `yaml:"cache_max_age_hours" mapstructure:"cache_max_age_hours"`
	MaxCustomFields    int     `yaml:"max_custom_fields" mapstructure:"max_custom_fields"`
	CatalogPath        string  `yaml:"catalog_path" mapstructure:"catalog_path"`
	RunsPerHour        int     `yaml:"runs_per_hour" mapstructure:"runs_per_hour"`
}

// NotionConfig holds Notion settings for saved lists.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	ListDB string `yaml:"list_db" mapstructure:"list_db"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Models     map[string]ModelPricing `yaml:"models" mapstructure:"models"`
	Perplexity float64                 `yaml:"perplexity_per_query" mapstructure:"perplexity_per_query"`
	Jina       float64                 `yaml:"jina_per_query" mapstructure:"jina_per_query"`
	Firecrawl  float64                 `yaml:"firecrawl_per_query" mapstructure:"firecrawl_per_query"`
	Google     float64                 `yaml:"google_per_query" mapstructure:"google_per_query"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	StuckAfterMins       int     `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`

	// AlertCooldownMins suppresses repeats of the same alert type.
	AlertCooldownMins int `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SUPERSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "supersearch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.migrate_on_run", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "supersearch:")
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("gemini.model", "gemini-1.5-flash")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("research.providers", []string{"perplexity", "jina"})
	v.SetDefault("research.timeout_secs", 30)
	v.SetDefault("research.retries", 2)
	v.SetDefault("research.rate_limits", map[string]float64{
		"perplexity": 5, "jina": 10, "firecrawl": 5, "google": 10,
	})
	v.SetDefault("research.breaker_threshold", 5)
	v.SetDefault("research.breaker_reset_secs", 30)
	v.SetDefault("research.ground_discovery", true)
	v.SetDefault("search.concurrency", 4)
	v.SetDefault("search.run_timeout_secs", 300)
	v.SetDefault("search.extract_timeout_secs", 60)
	v.SetDefault("search.schema_retries", 3)
	v.SetDefault("search.extract_retries", 2)
	v.SetDefault("search.min_relevance", 50)
	v.SetDefault("search.max_per_parent", 3)
	v.SetDefault("search.cache_max_age_hours", 24)
	v.SetDefault("search.max_custom_fields", 5)
	v.SetDefault("search.runs_per_hour", 0)
	v.SetDefault("pricing.models", map[string]map[string]float64{
		"claude-haiku-4-5-20251001":  {"input": 0.80, "output": 4.00},
		"claude-sonnet-4-5-20250929": {"input": 3.00, "output": 15.00},
	})
	v.SetDefault("pricing.perplexity_per_query", 0.005)
	v.SetDefault("pricing.jina_per_query", 0.002)
	v.SetDefault("pricing.firecrawl_per_query", 0.006)
	v.SetDefault("pricing.google_per_query", 0.032)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.stuck_after_mins", 30)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that credentials needed by the selected backends are set.
// mode is "search" or "serve"; serve additionally needs a valid port.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.LLM.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
	case "gemini":
		if c.Gemini.Key == "" {
			missing = append(missing, "gemini.key")
		}
	default:
		return eris.Errorf("config: unknown llm.provider %q", c.LLM.Provider)
	}

	if len(c.Research.Providers) == 0 {
		return eris.New("config: research.providers is empty")
	}
	for _, p := range c.Research.Providers {
		var key string
		switch p {
		case "perplexity":
			key = c.Perplexity.Key
		case "jina":
			key = c.Jina.Key
		case "firecrawl":
			key = c.Firecrawl.Key
		case "google":
			key = c.Google.Key
		default:
			return eris.Errorf("config: unknown research provider %q", p)
		}
		if key == "" {
			missing = append(missing, p+".key")
		}
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return eris.Errorf("config: invalid server.port %d", c.Server.Port)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
