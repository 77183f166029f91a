// Package config loads derivflow settings from YAML with environment overrides.
// Credentials are only ever read from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/derivflow/internal/net/ratelimit"
)

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Sources  SourcesConfig  `yaml:"sources"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"-"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// RedisConfig configures the snapshot response cache. Empty Addr disables it.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"-"`
	DB          int           `yaml:"db"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// IngestConfig controls one ingestion run and its schedule.
type IngestConfig struct {
	TaskTimeout time.Duration `yaml:"task_timeout"`
	Concurrency int           `yaml:"concurrency"`
	Schedule    string        `yaml:"schedule"`
	RunOnStart  bool          `yaml:"run_on_start"`
}

// SnapshotConfig holds read-side defaults.
type SnapshotConfig struct {
	Lookback     time.Duration `yaml:"lookback"`
	RowCap       int           `yaml:"row_cap"`
	DefaultLimit int           `yaml:"default_limit"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// SourcesConfig lists every upstream source.
type SourcesConfig struct {
	CoinMarketCap SourceConfig `yaml:"coinmarketcap"`
	CoinGecko     SourceConfig `yaml:"coingecko"`
	Coinbase      SourceConfig `yaml:"coinbase"`
	Hyperliquid   SourceConfig `yaml:"hyperliquid"`
	Dydx          SourceConfig `yaml:"dydx"`
}

// SourceConfig configures one upstream source.
type SourceConfig struct {
	Enabled         bool           `yaml:"enabled"`
	BaseURL         string         `yaml:"base_url"`
	APIKey          string         `yaml:"-"`
	Exchanges       []string       `yaml:"exchanges"`
	Categories      []string       `yaml:"categories"`
	Limit           int            `yaml:"limit"`
	RateLimit       ratelimit.Rate `yaml:"rate_limit"`
	Timeout         time.Duration  `yaml:"timeout"`
	MaxRetries      int            `yaml:"max_retries"`
	BreakerFailures uint32         `yaml:"breaker_failures"`
	BreakerCooldown time.Duration  `yaml:"breaker_cooldown"`
}

// HTTPConfig configures the read API listener.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // auto, console or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	source := func(baseURL string, rps float64) SourceConfig {
		return SourceConfig{
			Enabled:         true,
			BaseURL:         baseURL,
			RateLimit:       ratelimit.Rate{RPS: rps, Burst: 2},
			Timeout:         15 * time.Second,
			MaxRetries:      2,
			BreakerFailures: 5,
			BreakerCooldown: time.Minute,
		}
	}
	cfg := &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Redis: RedisConfig{SnapshotTTL: 30 * time.Second},
		Ingest: IngestConfig{
			TaskTimeout: 20 * time.Second,
			Concurrency: 8,
			Schedule:    "@every 5m",
			RunOnStart:  true,
		},
		Snapshot: SnapshotConfig{
			Lookback:     time.Hour,
			RowCap:       5000,
			DefaultLimit: 100,
			StaleAfter:   15 * time.Minute,
		},
		Sources: SourcesConfig{
			CoinMarketCap: source("https://pro-api.coinmarketcap.com", 0.5),
			CoinGecko:     source("https://api.coingecko.com", 0.5),
			Coinbase:      source("https://api.exchange.coinbase.com", 3),
			Hyperliquid:   source("https://api.hyperliquid.xyz", 5),
			Dydx:          source("wss://indexer.dydx.trade/v4/ws", 1),
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "auto", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
	}
	cfg.Sources.CoinMarketCap.Categories = []string{"perpetual", "futures"}
	return cfg
}

// Load reads path (optional) over the defaults, loads envFiles into the
// process environment and applies environment overrides.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if len(envFiles) > 0 {
		for _, f := range envFiles {
			// Existing variables win over .env entries.
			if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
		cfg.Database.Enabled = true
	}
	envBool("PG_ENABLED", &cfg.Database.Enabled)
	envDuration("PG_QUERY_TIMEOUT", &cfg.Database.QueryTimeout)
	envInt("PG_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	envInt("PG_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)

	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	envString("CMC_API_KEY", &cfg.Sources.CoinMarketCap.APIKey)
	envString("COINGECKO_API_KEY", &cfg.Sources.CoinGecko.APIKey)
	envString("CMC_BASE_URL", &cfg.Sources.CoinMarketCap.BaseURL)
	envString("COINGECKO_BASE_URL", &cfg.Sources.CoinGecko.BaseURL)
	envString("COINBASE_BASE_URL", &cfg.Sources.Coinbase.BaseURL)
	envString("HYPERLIQUID_BASE_URL", &cfg.Sources.Hyperliquid.BaseURL)
	envString("DYDX_WS_URL", &cfg.Sources.Dydx.BaseURL)

	envString("INGEST_SCHEDULE", &cfg.Ingest.Schedule)
	envInt("INGEST_CONCURRENCY", &cfg.Ingest.Concurrency)
	envDuration("INGEST_TASK_TIMEOUT", &cfg.Ingest.TaskTimeout)

	envInt("HTTP_PORT", &cfg.HTTP.Port)
	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FILE", &cfg.Log.File)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required when database is enabled (set PG_DSN)")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns must be between 0 and max_open_conns")
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be positive")
	}
	if c.Ingest.TaskTimeout <= 0 {
		return fmt.Errorf("ingest.task_timeout must be positive")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be positive")
	}
	if c.Snapshot.RowCap <= 0 || c.Snapshot.DefaultLimit <= 0 {
		return fmt.Errorf("snapshot.row_cap and snapshot.default_limit must be positive")
	}
	if c.Snapshot.Lookback <= 0 {
		return fmt.Errorf("snapshot.lookback must be positive")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}

	sources := map[string]SourceConfig{
		"coinmarketcap": c.Sources.CoinMarketCap,
		"coingecko":     c.Sources.CoinGecko,
		"coinbase":      c.Sources.Coinbase,
		"hyperliquid":   c.Sources.Hyperliquid,
		"dydx":          c.Sources.Dydx,
	}
	enabled := 0
	for name, s := range sources {
		if !s.Enabled {
			continue
		}
		enabled++
		if s.BaseURL == "" {
			return fmt.Errorf("sources.%s.base_url is required", name)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("sources.%s.timeout must be positive", name)
		}
		if s.MaxRetries < 0 {
			return fmt.Errorf("sources.%s.max_retries cannot be negative", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}
	return nil
}
