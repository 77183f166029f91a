// Package memory is an in-process DerivativesRepo used when no database is
// configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/persistence"
)

// Store keeps every record in a map keyed by natural key.
type Store struct {
	mu   sync.RWMutex
	rows map[derivs.Key]derivs.Record

	// FailExchanges makes Upsert fail for batches containing these exchanges.
	FailExchanges map[string]error
}

var _ persistence.DerivativesRepo = (*Store)(nil)

func New() *Store {
	return &Store{rows: make(map[derivs.Key]derivs.Record)}
}

func (s *Store) Upsert(ctx context.Context, records []derivs.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := s.FailExchanges[r.Exchange]; err != nil {
			return 0, err
		}
	}
	for _, r := range records {
		r.TS = r.TS.UTC()
		s.rows[r.NaturalKey()] = r
	}
	return len(records), nil
}

func (s *Store) match(r derivs.Record, f persistence.Filter) bool {
	if f.Exchange != "" && r.Exchange != f.Exchange {
		return false
	}
	if f.ContractType != "" && r.ContractType != f.ContractType {
		return false
	}
	if !f.At.IsZero() {
		return r.TS.Equal(f.At)
	}
	if !f.Since.IsZero() && r.TS.Before(f.Since) {
		return false
	}
	return true
}

func (s *Store) QueryLatest(ctx context.Context, f persistence.Filter, limit int) ([]derivs.Record, error) {
	s.mu.RLock()
	out := make([]derivs.Record, 0)
	for _, r := range s.rows {
		if s.match(r, f) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.After(out[j].TS)
		}
		if out[i].Volume24h != out[j].Volume24h {
			return out[i].Volume24h > out[j].Volume24h
		}
		return out[i].NaturalKey().String() < out[j].NaturalKey().String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestTS(ctx context.Context, f persistence.Filter) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	found := false
	for _, r := range s.rows {
		if s.match(r, f) && (!found || r.TS.After(latest)) {
			latest, found = r.TS, true
		}
	}
	return latest, found, nil
}

func (s *Store) LatestTSByExchange(ctx context.Context, f persistence.Filter) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time)
	for _, r := range s.rows {
		if !s.match(r, f) {
			continue
		}
		if cur, ok := out[r.Exchange]; !ok || r.TS.After(cur) {
			out[r.Exchange] = r.TS
		}
	}
	return out, nil
}

func (s *Store) CountByExchange(ctx context.Context, ts time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, r := range s.rows {
		if r.TS.Equal(ts) {
			out[r.Exchange]++
		}
	}
	return out, nil
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// All returns a copy of every stored row in natural-key order.
func (s *Store) All() []derivs.Record {
	s.mu.RLock()
	out := make([]derivs.Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey().String() < out[j].NaturalKey().String() })
	return out
}

// Health implements persistence.RepositoryHealth.
func (s *Store) Health(ctx context.Context) persistence.HealthCheck {
	return persistence.HealthCheck{
		Healthy:        true,
		Backend:        "memory",
		ConnectionPool: map[string]int{"rows": s.Len()},
		LastCheck:      time.Now(),
	}
}

// Ping implements persistence.RepositoryHealth.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
