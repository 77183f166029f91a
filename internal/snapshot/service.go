package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/metrics"
	"github.com/sawpanic/derivflow/internal/persistence"
)

// Cache stores serialized snapshots. Implementations report a miss as ok=false
// with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Service builds snapshots from a repository.
type Service struct {
	repo     persistence.DerivativesRepo
	cache    Cache
	defaults Query
	metrics  *metrics.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

func WithDefaults(q Query) Option { return func(s *Service) { s.defaults = q.withDefaults(DefaultQuery()) } }

func WithMetrics(m *metrics.Registry) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo persistence.DerivativesRepo, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		defaults: DefaultQuery(),
		logger:   log.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot resolves q against the store. Cache failures are logged and ignored.
func (s *Service) Snapshot(ctx context.Context, q Query) (Snapshot, error) {
	q = q.withDefaults(s.defaults)
	key := q.cacheKey()

	if s.cache != nil {
		if snap, ok := s.fromCache(ctx, key); ok {
			return snap, nil
		}
	}

	snap, err := s.build(ctx, q)
	if err != nil {
		return Snapshot{}, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(snap); err == nil {
			if err := s.cache.Set(ctx, key, raw); err != nil {
				s.metrics.Cache(metrics.CacheError)
				s.logger.Warn().Err(err).Str("key", key).Msg("Snapshot cache write failed")
			}
		}
	}
	return snap, nil
}

func (s *Service) fromCache(ctx context.Context, key string) (Snapshot, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.metrics.Cache(metrics.CacheError)
		s.logger.Warn().Err(err).Str("key", key).Msg("Snapshot cache read failed")
		return Snapshot{}, false
	}
	if !ok {
		s.metrics.Cache(metrics.CacheMiss)
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.metrics.Cache(metrics.CacheError)
		s.logger.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cached snapshot")
		return Snapshot{}, false
	}
	s.metrics.Cache(metrics.CacheHit)
	return snap, true
}

func (s *Service) build(ctx context.Context, q Query) (Snapshot, error) {
	var (
		rows []derivs.Record
		snap Snapshot
		err  error
	)
	switch q.Mode {
	case ModeGlobal:
		rows, snap, err = s.globalRows(ctx, q)
	case ModePerExchange:
		rows, snap, err = s.perExchangeRows(ctx, q)
	default:
		return Snapshot{}, fmt.Errorf("unknown snapshot mode %q", q.Mode)
	}
	if err != nil {
		return Snapshot{}, err
	}

	snap.Records = Reduce(derivs.FilterMeaningful(rows), q.Limit, q.businessKey)
	snap.Count = len(snap.Records)
	return snap, nil
}

func (s *Service) globalRows(ctx context.Context, q Query) ([]derivs.Record, Snapshot, error) {
	ts, ok, err := s.repo.LatestTS(ctx, persistence.Filter{ContractType: q.ContractType})
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("resolve latest ts: %w", err)
	}
	if !ok {
		return nil, Snapshot{Records: []derivs.Record{}}, nil
	}
	ts = ts.UTC()

	rows, err := s.repo.QueryLatest(ctx, persistence.Filter{ContractType: q.ContractType, At: ts}, q.RowCap)
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("query rows at %s: %w", ts.Format(time.RFC3339), err)
	}
	exchanges := make(map[string]time.Time)
	for _, r := range rows {
		exchanges[r.Exchange] = ts
	}
	return rows, Snapshot{TS: ts, Window: Window{From: ts, To: ts}, Exchanges: exchanges}, nil
}

func (s *Service) perExchangeRows(ctx context.Context, q Query) ([]derivs.Record, Snapshot, error) {
	since := s.now().UTC().Add(-q.Lookback)
	latest, err := s.repo.LatestTSByExchange(ctx, persistence.Filter{ContractType: q.ContractType, Since: since})
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("resolve per-exchange ts: %w", err)
	}
	if len(latest) == 0 {
		return nil, Snapshot{Records: []derivs.Record{}}, nil
	}

	names := make([]string, 0, len(latest))
	for ex := range latest {
		names = append(names, ex)
	}
	sort.Strings(names)

	snap := Snapshot{Exchanges: make(map[string]time.Time, len(latest))}
	var rows []derivs.Record
	for _, ex := range names {
		if len(rows) >= q.RowCap {
			s.logger.Warn().Int("row_cap", q.RowCap).Str("exchange", ex).Msg("Snapshot row cap reached")
			break
		}
		ts := latest[ex].UTC()
		got, err := s.repo.QueryLatest(ctx, persistence.Filter{Exchange: ex, ContractType: q.ContractType, At: ts}, q.RowCap-len(rows))
		if err != nil {
			return nil, Snapshot{}, fmt.Errorf("query %s rows: %w", ex, err)
		}
		if len(got) == 0 {
			continue
		}
		rows = append(rows, got...)
		snap.Exchanges[ex] = ts
		if snap.Window.From.IsZero() || ts.Before(snap.Window.From) {
			snap.Window.From = ts
		}
		if ts.After(snap.Window.To) {
			snap.Window.To = ts
		}
	}
	if len(snap.Exchanges) == 0 {
		return nil, Snapshot{Records: []derivs.Record{}}, nil
	}
	snap.TS = snap.Window.To
	return rows, snap, nil
}

// Reduce keeps the highest-volume row per business key (the first seen wins
// a tie), orders the survivors by volume descending and truncates to limit.
// A non-positive limit keeps everything.
func Reduce(rows []derivs.Record, limit int, key func(derivs.Record) string) []derivs.Record {
	best := make(map[string]int, len(rows))
	out := make([]derivs.Record, 0, len(rows))
	for _, r := range rows {
		k := key(r)
		i, seen := best[k]
		if !seen {
			best[k] = len(out)
			out = append(out, r)
			continue
		}
		if r.Volume24h > out[i].Volume24h {
			out[i] = r
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Volume24h > out[j].Volume24h })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
