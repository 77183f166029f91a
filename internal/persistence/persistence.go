// Package persistence defines the derivative record store.
package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/derivflow/internal/derivs"
)

// Filter narrows a read. Zero fields do not constrain.
type Filter struct {
	Exchange     string
	ContractType derivs.ContractType
	// At matches one exact ts; it takes precedence over Since.
	At    time.Time
	Since time.Time
}

// DerivativesRepo is the record store. Writes are upserts keyed on
// (exchange, symbol, ts); a collision replaces the stored row.
type DerivativesRepo interface {
	// Upsert writes records and returns how many rows were inserted or replaced.
	Upsert(ctx context.Context, records []derivs.Record) (int, error)

	// QueryLatest returns rows matching f, newest ts first, then by volume descending.
	QueryLatest(ctx context.Context, f Filter, limit int) ([]derivs.Record, error)

	// LatestTS returns the max ts among rows matching f. ok is false when none match.
	LatestTS(ctx context.Context, f Filter) (ts time.Time, ok bool, err error)

	// LatestTSByExchange returns each exchange's max ts among rows matching f.
	LatestTSByExchange(ctx context.Context, f Filter) (map[string]time.Time, error)

	// CountByExchange returns row counts per exchange at exactly ts.
	CountByExchange(ctx context.Context, ts time.Time) (map[string]int, error)
}

// HealthCheck summarizes store connectivity.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Backend        string         `json:"backend"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool,omitempty"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth reports on the backing store.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
