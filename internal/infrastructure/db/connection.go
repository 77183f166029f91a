package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/derivflow/internal/config"
	"github.com/sawpanic/derivflow/internal/persistence"
	"github.com/sawpanic/derivflow/internal/persistence/memory"
	"github.com/sawpanic/derivflow/internal/persistence/postgres"
)

// Manager owns the database connection and the derivatives repository.
// With the database disabled it serves an in-memory store instead.
type Manager struct {
	db     *sqlx.DB
	config config.DatabaseConfig
	repo   persistence.DerivativesRepo
	health persistence.RepositoryHealth
}

// NewManager opens and pings PostgreSQL, or falls back to memory when disabled.
func NewManager(cfg config.DatabaseConfig) (*Manager, error) {
	if !cfg.Enabled {
		store := memory.New()
		return &Manager{config: cfg, repo: store, health: store}, nil
	}

	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewManagerWithDB(db, cfg), nil
}

// NewManagerWithDB wraps an already-open connection.
func NewManagerWithDB(db *sqlx.DB, cfg config.DatabaseConfig) *Manager {
	cfg.Enabled = true
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	return &Manager{
		db:     db,
		config: cfg,
		repo:   postgres.NewDerivativesRepo(db, cfg.QueryTimeout),
		health: &healthChecker{db: db, timeout: cfg.QueryTimeout},
	}
}

// Repository returns the active store.
func (m *Manager) Repository() persistence.DerivativesRepo {
	return m.repo
}

// Health returns the health checker for the active store.
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// DB returns the underlying connection, nil when disabled.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled reports whether PostgreSQL backs the repository.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Migrate applies schema migrations. It is a no-op for the in-memory store.
func (m *Manager) Migrate() (uint, error) {
	if !m.IsEnabled() {
		return 0, nil
	}
	return postgres.Migrate(m.db.DB)
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth for PostgreSQL
type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()

	var errs []string
	healthy := true
	if err := h.Ping(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	return persistence.HealthCheck{
		Healthy: healthy,
		Backend: "postgres",
		Errors:  errs,
		ConnectionPool: map[string]int{
			"max_open":      stats.MaxOpenConnections,
			"open":          stats.OpenConnections,
			"in_use":        stats.InUse,
			"idle":          stats.Idle,
			"wait_count":    int(stats.WaitCount),
			"wait_duration": int(stats.WaitDuration.Milliseconds()),
		},
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

func (h *healthChecker) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(pingCtx)
}
