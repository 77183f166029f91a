package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sawpanic/derivflow/internal/config"
	"github.com/sawpanic/derivflow/internal/infrastructure/db"
	"github.com/sawpanic/derivflow/internal/ingest"
	dflog "github.com/sawpanic/derivflow/internal/log"
	"github.com/sawpanic/derivflow/internal/metrics"
	"github.com/sawpanic/derivflow/internal/net/ratelimit"
	"github.com/sawpanic/derivflow/internal/providers"
	"github.com/sawpanic/derivflow/internal/snapshot"
	"github.com/sawpanic/derivflow/internal/writer"
)

// app holds the process-lifetime collaborators shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	db      *db.Manager
	metrics *metrics.Registry
	redis   *redis.Client
	closers []io.Closer
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	cfg, err := config.Load(path, envFiles...)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, logCloser, err := dflog.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	mgr, err := db.NewManager(cfg.Database)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      mgr,
		metrics: metrics.New(reg),
		closers: []io.Closer{mgr, logCloser},
	}
	if !mgr.IsEnabled() {
		logger.Warn().Msg("Database disabled, using in-memory store")
	}

	if cfg.Database.MigrateOnStart {
		if _, err := a.migrate(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) migrate() (uint, error) {
	v, err := a.db.Migrate()
	if err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info().Uint("version", v).Msg("Schema is up to date")
	return v, nil
}

func (a *app) coordinator() (*ingest.Coordinator, error) {
	limiter := ratelimit.NewLimiter(0, 1)
	sources, err := providers.FromConfig(a.cfg.Sources, limiter, a.logger)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources enabled")
	}
	w := writer.New(a.db.Repository(), a.logger)
	return ingest.New(sources, w, ingest.Config{
		TaskTimeout: a.cfg.Ingest.TaskTimeout,
		Concurrency: a.cfg.Ingest.Concurrency,
	}, ingest.WithLogger(a.logger), ingest.WithMetrics(a.metrics)), nil
}

func (a *app) snapshots(ctx context.Context) *snapshot.Service {
	opts := []snapshot.Option{
		snapshot.WithLogger(a.logger),
		snapshot.WithMetrics(a.metrics),
		snapshot.WithDefaults(snapshot.Query{
			Lookback: a.cfg.Snapshot.Lookback,
			Limit:    a.cfg.Snapshot.DefaultLimit,
			RowCap:   a.cfg.Snapshot.RowCap,
		}),
	}
	if addr := a.cfg.Redis.Addr; addr != "" {
		rdb, err := snapshot.DialRedis(ctx, addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		if err != nil {
			a.logger.Warn().Err(err).Str("addr", addr).Msg("Snapshot cache unavailable, serving uncached")
		} else {
			a.redis = rdb
			a.closers = append(a.closers, rdb)
			opts = append(opts, snapshot.WithCache(snapshot.NewRedisCache(rdb, a.cfg.Redis.SnapshotTTL)))
		}
	}
	return snapshot.NewService(a.db.Repository(), opts...)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Close failed")
		}
	}
}
