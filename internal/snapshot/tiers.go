package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/stats"
)

// Metric names a numeric record field tiers can be computed over.
type Metric string

const (
	MetricFundingRate  Metric = "funding_rate"
	MetricOpenInterest Metric = "open_interest_usd"
	MetricVolume       Metric = "volume_24h"
)

// ParseMetric accepts "" as MetricFundingRate.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricFundingRate:
		return MetricFundingRate, nil
	case MetricOpenInterest, MetricVolume:
		return Metric(s), nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// value extracts m from r; ok is false for a null funding rate.
func (m Metric) value(r derivs.Record) (float64, bool) {
	switch m {
	case MetricOpenInterest:
		return r.OpenInterestUSD, true
	case MetricVolume:
		return r.Volume24h, true
	default:
		if r.FundingRate == nil {
			return 0, false
		}
		return *r.FundingRate, true
	}
}

// TieredRecord pairs a record with its position in the metric's distribution.
type TieredRecord struct {
	derivs.Record
	Tier stats.BucketedValue `json:"tier"`
}

// TierSet is a snapshot bucketed over one metric.
type TierSet struct {
	Metric  Metric         `json:"metric"`
	TS      time.Time      `json:"ts"`
	Window  Window         `json:"window"`
	Records []TieredRecord `json:"data"`
	Count   int            `json:"count"`
	Skipped int            `json:"skipped"`
}

// Tiers sigma-buckets the snapshot for q over metric. Records without a value
// for the metric are skipped.
func (s *Service) Tiers(ctx context.Context, q Query, metric Metric, opts stats.Options) (TierSet, error) {
	snap, err := s.Snapshot(ctx, q)
	if err != nil {
		return TierSet{}, err
	}

	set := TierSet{Metric: metric, TS: snap.TS, Window: snap.Window}
	kept := make([]derivs.Record, 0, len(snap.Records))
	values := make([]float64, 0, len(snap.Records))
	for _, r := range snap.Records {
		v, ok := metric.value(r)
		if !ok {
			set.Skipped++
			continue
		}
		kept = append(kept, r)
		values = append(values, v)
	}

	scored, err := stats.SigmaBucketWithScores(values, opts)
	if err != nil {
		return TierSet{}, fmt.Errorf("tiers over %s: %w", metric, err)
	}
	set.Records = make([]TieredRecord, len(kept))
	for i, r := range kept {
		set.Records[i] = TieredRecord{Record: r, Tier: scored[i]}
	}
	set.Count = len(set.Records)
	return set, nil
}
