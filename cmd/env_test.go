package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jononovo/send-claw2-sub007/internal/config"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:       "sqlite",
			SQLitePath:   filepath.Join(t.TempDir(), "test.db"),
			MigrateOnRun: true,
		},
		Search: config.SearchConfig{CacheMaxAgeHours: 24},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	withConfig(t, sqliteConfig(t))

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, ok := st.(*store.SQLiteStore)
	assert.True(t, ok)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{Driver: "mysql"}})

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStorage_MigratesAndServesCache(t *testing.T) {
	withConfig(t, sqliteConfig(t))
	ctx := context.Background()

	env, err := initStorage(ctx)
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Sessions)
	assert.Nil(t, env.Service)

	rs := &model.ResultSet{Fingerprint: "fp-1", Query: "q", Records: []model.EntityRecord{}}
	require.NoError(t, env.Store.SaveResult(ctx, rs))

	n, err := env.Sessions.Clear(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitStorage_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	c := sqliteConfig(t)
	c.Redis = config.RedisConfig{Enabled: true, Addr: mr.Addr(), KeyPrefix: "test:"}
	withConfig(t, c)

	env, err := initStorage(context.Background())
	require.NoError(t, err)
	defer env.Close()

	// store and redis
	assert.Len(t, env.closers, 2)
}

func TestInitStorage_RedisDownFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := sqliteConfig(t)
	c.Redis = config.RedisConfig{Enabled: true, Addr: addr}
	withConfig(t, c)

	env, err := initStorage(context.Background())
	require.NoError(t, err)
	defer env.Close()

	assert.Len(t, env.closers, 1)
}

func TestInitSearch_ValidatesConfig(t *testing.T) {
	c := sqliteConfig(t)
	c.LLM.Provider = "anthropic"
	c.Research.Providers = []string{"perplexity"}
	withConfig(t, c)

	_, err := initSearch(context.Background(), "search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key")
}

func TestInitSearch_BuildsService(t *testing.T) {
	c := sqliteConfig(t)
	c.LLM.Provider = "anthropic"
	c.Anthropic = config.AnthropicConfig{Key: "sk-test", Model: "claude-sonnet-4-5-20250929"}
	c.Research.Providers = []string{"perplexity", "jina"}
	c.Perplexity.Key = "pplx"
	c.Jina.Key = "jina"
	c.Research.GroundDiscovery = true
	c.Notion = config.NotionConfig{Token: "secret", ListDB: "db-1"}
	withConfig(t, c)

	env, err := initSearch(context.Background(), "search")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Service)
	require.NotNil(t, env.Saver)
	assert.Equal(t, []string{"perplexity", "jina"}, env.Fetcher.Providers())
	assert.Equal(t, model.DefaultCatalog(), env.Catalog)
}

func TestNewLLMClient(t *testing.T) {
	c := &config.Config{
		LLM:       config.LLMConfig{Provider: "anthropic"},
		Anthropic: config.AnthropicConfig{Key: "k", Model: "claude-haiku-4-5-20251001"},
	}
	client, closer, err := newLLMClient(context.Background(), c)
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.Equal(t, "claude-haiku-4-5-20251001", client.Model())

	c.LLM.Provider = "llama"
	_, _, err = newLLMClient(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported llm provider")
}

func TestLoadCatalog(t *testing.T) {
	cat, err := loadCatalog("")
	require.NoError(t, err)
	assert.NotEmpty(t, cat.Company)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
company:
  - name: name
    label: Company
    kind: string
  - name: website
    label: Site
    kind: url
contact:
  - name: name
    label: Person
    kind: string
`), 0o600))

	cat, err = loadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, cat.Company, 2)
	assert.Equal(t, "Person", cat.Contact[0].Label)

	_, err = loadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
