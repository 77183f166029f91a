// Package writer persists ingestion batches idempotently, one upsert per exchange.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/persistence"
)

// ErrMixedTS is returned for a batch whose records do not share one ts.
var ErrMixedTS = errors.New("batch records do not share one ts")

// GroupResult is the outcome of one exchange's upsert.
type GroupResult struct {
	Exchange string `json:"exchange"`
	Records  int    `json:"records"`
	Written  int    `json:"written"`
	Err      error  `json:"-"`
}

// Result aggregates every group of a Write call.
type Result struct {
	Written int           `json:"written"`
	Groups  []GroupResult `json:"groups"`
}

// Err returns a *GroupError naming every failed exchange, or nil.
func (r Result) Err() error {
	failed := make(map[string]error)
	for _, g := range r.Groups {
		if g.Err != nil {
			failed[g.Exchange] = g.Err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &GroupError{Failed: failed}
}

// GroupError lists the exchanges whose batch failed to write.
type GroupError struct {
	Failed map[string]error
}

// Exchanges returns the failed exchanges, sorted.
func (e *GroupError) Exchanges() []string {
	out := make([]string, 0, len(e.Failed))
	for ex := range e.Failed {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

func (e *GroupError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, ex := range e.Exchanges() {
		parts = append(parts, fmt.Sprintf("%s: %v", ex, e.Failed[ex]))
	}
	return fmt.Sprintf("write failed for %d exchange(s): %s", len(e.Failed), strings.Join(parts, "; "))
}

// Writer upserts record groups into a repository.
type Writer struct {
	repo   persistence.DerivativesRepo
	logger zerolog.Logger
}

func New(repo persistence.DerivativesRepo, logger zerolog.Logger) *Writer {
	return &Writer{repo: repo, logger: logger}
}

// Write upserts each exchange group independently; one group failing does not
// stop the others. The returned error is non-nil only for invalid input.
func (w *Writer) Write(ctx context.Context, groups map[string][]derivs.Record) (Result, error) {
	if _, err := sharedTS(groups); err != nil {
		return Result{}, err
	}

	exchanges := make([]string, 0, len(groups))
	for ex := range groups {
		exchanges = append(exchanges, ex)
	}
	sort.Strings(exchanges)

	var res Result
	for _, ex := range exchanges {
		batch := Dedupe(groups[ex])
		g := GroupResult{Exchange: ex, Records: len(batch)}
		if len(batch) > 0 {
			g.Written, g.Err = w.repo.Upsert(ctx, batch)
		}
		if g.Err != nil {
			g.Written = 0
			w.logger.Error().Err(g.Err).Str("exchange", ex).Int("records", len(batch)).Msg("Exchange batch write failed")
		} else {
			w.logger.Debug().Str("exchange", ex).Int("written", g.Written).Msg("Exchange batch written")
		}
		res.Written += g.Written
		res.Groups = append(res.Groups, g)
	}
	return res, nil
}

// WriteRecords groups records by exchange and writes them.
func (w *Writer) WriteRecords(ctx context.Context, records []derivs.Record) (Result, error) {
	return w.Write(ctx, derivs.GroupByExchange(records))
}

func sharedTS(groups map[string][]derivs.Record) (time.Time, error) {
	var ts time.Time
	seen := false
	for _, batch := range groups {
		for _, r := range batch {
			if !seen {
				ts, seen = r.TS, true
				continue
			}
			if !r.TS.Equal(ts) {
				return time.Time{}, fmt.Errorf("%w: %s and %s", ErrMixedTS, ts.UTC().Format(time.RFC3339), r.TS.UTC().Format(time.RFC3339))
			}
		}
	}
	return ts, nil
}

// Dedupe collapses records sharing a natural key. The last occurrence wins
// and takes the position of the first.
func Dedupe(records []derivs.Record) []derivs.Record {
	index := make(map[derivs.Key]int, len(records))
	out := make([]derivs.Record, 0, len(records))
	for _, r := range records {
		k := r.NaturalKey()
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}
