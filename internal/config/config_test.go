package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Ingest.Concurrency)
	assert.Equal(t, 20*time.Second, cfg.Ingest.TaskTimeout)
	assert.Equal(t, "@every 5m", cfg.Ingest.Schedule)
	assert.Equal(t, []string{"perpetual", "futures"}, cfg.Sources.CoinMarketCap.Categories)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := writeFile(t, "derivflow.yaml", `
ingest:
  task_timeout: 5s
  concurrency: 3
sources:
  coinmarketcap:
    enabled: true
    base_url: https://cmc.local
    exchanges: [binance, okx]
  dydx:
    enabled: false
http:
  port: 9090
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Ingest.TaskTimeout)
	assert.Equal(t, 3, cfg.Ingest.Concurrency)
	assert.Equal(t, "https://cmc.local", cfg.Sources.CoinMarketCap.BaseURL)
	assert.Equal(t, []string{"binance", "okx"}, cfg.Sources.CoinMarketCap.Exchanges)
	assert.False(t, cfg.Sources.Dydx.Enabled)
	assert.True(t, cfg.Sources.Hyperliquid.Enabled)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.HTTP.Addr())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CMC_API_KEY", "cmc-secret")
	t.Setenv("PG_DSN", "postgres://u:p@localhost/derivs?sslmode=disable")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("HYPERLIQUID_BASE_URL", "http://hl.local")
	t.Setenv("COINBASE_BASE_URL", "http://cb.local")
	t.Setenv("INGEST_CONCURRENCY", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cmc-secret", cfg.Sources.CoinMarketCap.APIKey)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "http://hl.local", cfg.Sources.Hyperliquid.BaseURL)
	assert.Equal(t, "http://cb.local", cfg.Sources.Coinbase.BaseURL)
	assert.Equal(t, 2, cfg.Ingest.Concurrency)
}

func TestLoad_EnvFile(t *testing.T) {
	os.Unsetenv("COINGECKO_API_KEY")
	t.Cleanup(func() { os.Unsetenv("COINGECKO_API_KEY") })

	env := writeFile(t, ".env", "COINGECKO_API_KEY=cg-from-file\n")
	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "cg-from-file", cfg.Sources.CoinGecko.APIKey)
}

func TestLoad_CredentialsIgnoredInYAML(t *testing.T) {
	os.Unsetenv("CMC_API_KEY")
	path := writeFile(t, "c.yaml", "sources:\n  coinmarketcap:\n    api_key: leaked\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Sources.CoinMarketCap.APIKey)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"db without dsn":       func(c *Config) { c.Database.Enabled = true },
		"zero task timeout":    func(c *Config) { c.Ingest.TaskTimeout = 0 },
		"negative concurrency": func(c *Config) { c.Ingest.Concurrency = -1 },
		"bad port":             func(c *Config) { c.HTTP.Port = 70000 },
		"no sources": func(c *Config) {
			c.Sources.CoinMarketCap.Enabled = false
			c.Sources.CoinGecko.Enabled = false
			c.Sources.Coinbase.Enabled = false
			c.Sources.Hyperliquid.Enabled = false
			c.Sources.Dydx.Enabled = false
		},
		"source without url": func(c *Config) { c.Sources.CoinGecko.BaseURL = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
