// Package ingest runs one ingestion pass: probe every source, fan the fetch
// tasks out under a bound, stamp and filter the records, and hand them to the
// writer grouped by exchange.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/metrics"
	"github.com/sawpanic/derivflow/internal/providers"
	"github.com/sawpanic/derivflow/internal/writer"
)

// Config bounds one run.
type Config struct {
	TaskTimeout time.Duration
	Concurrency int
}

func DefaultConfig() Config {
	return Config{TaskTimeout: 20 * time.Second, Concurrency: 8}
}

// TaskFailure records a task that contributed no records.
type TaskFailure struct {
	providers.Meta
	Error string `json:"error"`
}

// RunReport summarizes one run.
type RunReport struct {
	RunID       string               `json:"run_id"`
	TS          time.Time            `json:"ts"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
	TasksOK     int                  `json:"tasks_ok"`
	TasksFailed int                  `json:"tasks_failed"`
	Fetched     int                  `json:"fetched"`
	Filtered    int                  `json:"filtered"`
	Written     int                  `json:"written"`
	Groups      []writer.GroupResult `json:"groups,omitempty"`
	Failures    []TaskFailure        `json:"failures,omitempty"`
	Err         string               `json:"error,omitempty"`
}

// Partial reports whether any task or exchange batch failed.
func (r RunReport) Partial() bool {
	if r.TasksFailed > 0 {
		return true
	}
	for _, g := range r.Groups {
		if g.Err != nil {
			return true
		}
	}
	return false
}

// Coordinator owns the sources and writer for repeated runs.
type Coordinator struct {
	sources []providers.Source
	writer  *writer.Writer
	cfg     Config
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	lastTS time.Time
	last   *RunReport
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(sources []providers.Source, w *writer.Writer, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	c := &Coordinator{
		sources: sources,
		writer:  w,
		cfg:     cfg,
		logger:  log.Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunIngestion performs one run and returns the number of records written.
func (c *Coordinator) RunIngestion(ctx context.Context) (int, error) {
	report, err := c.Run(ctx)
	return report.Written, err
}

// Entry returns a parameterless trigger for a timer host. Runs it starts are
// cancelled once ctx is done.
func (c *Coordinator) Entry(ctx context.Context) func() (int, error) {
	return func() (int, error) { return c.RunIngestion(ctx) }
}

// LastReport returns the most recent run's report, if any.
func (c *Coordinator) LastReport() (RunReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return RunReport{}, false
	}
	return *c.last, true
}

// Run performs one ingestion run. A returned error is fatal: a probe or
// listing credential failure, cancellation, or an invalid batch. Task and
// storage failures are reported in the RunReport instead.
func (c *Coordinator) Run(ctx context.Context) (RunReport, error) {
	started := c.now()
	report := RunReport{
		RunID:     uuid.NewString(),
		TS:        c.stamp(started),
		StartedAt: started,
	}
	logger := c.logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().Time("ts", report.TS).Int("sources", len(c.sources)).Msg("Ingestion run started")

	err := c.run(ctx, logger, &report)
	report.Duration = c.now().Sub(started)

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultFatal
		report.Err = err.Error()
		logger.Error().Err(err).Msg("Ingestion run aborted")
	case report.Partial():
		result = metrics.ResultPartial
	}
	c.metrics.ObserveRun(result, report.Duration, c.now())
	if err == nil {
		logger.Info().
			Int("tasks_ok", report.TasksOK).
			Int("tasks_failed", report.TasksFailed).
			Int("fetched", report.Fetched).
			Int("filtered", report.Filtered).
			Int("written", report.Written).
			Dur("duration", report.Duration).
			Msg("Ingestion run completed")
	}

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	return report, err
}

func (c *Coordinator) run(ctx context.Context, logger zerolog.Logger, report *RunReport) error {
	for _, src := range c.sources {
		if err := src.Probe(ctx); err != nil {
			if !providers.IsFatal(err) {
				err = &providers.FatalError{Provider: src.Name(), Reason: "probe failed", Err: err}
			}
			return err
		}
	}

	var tasks []providers.Task
	for _, src := range c.sources {
		ts, err := src.Tasks(ctx)
		if err != nil {
			if providers.IsFatal(err) {
				return err
			}
			c.metrics.TaskFailed(src.Name())
			logger.Warn().Err(err).Str("source", src.Name()).Msg("Source listing failed, skipping source")
			continue
		}
		tasks = append(tasks, ts...)
	}

	records, err := c.fanOut(ctx, logger, tasks, report)
	if err != nil {
		return err
	}

	stamped := make([]derivs.Record, len(records))
	for i, r := range records {
		stamped[i] = r.WithTS(report.TS)
	}
	report.Fetched = len(stamped)
	kept := derivs.FilterMeaningful(stamped)
	report.Filtered = len(stamped) - len(kept)

	res, err := c.writer.WriteRecords(ctx, kept)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	report.Written = res.Written
	report.Groups = res.Groups
	for _, g := range res.Groups {
		c.metrics.Written(g.Exchange, g.Written)
	}
	if gerr := res.Err(); gerr != nil {
		logger.Warn().Err(gerr).Msg("Some exchange batches were not written")
	}
	return nil
}

// fanOut runs every task under the concurrency bound. A task failure never
// cancels its siblings; it is logged and contributes nothing.
func (c *Coordinator) fanOut(ctx context.Context, logger zerolog.Logger, tasks []providers.Task, report *RunReport) ([]derivs.Record, error) {
	var (
		mu      sync.Mutex
		records []derivs.Record
	)

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			meta := task.Meta()
			tctx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
			defer cancel()

			recs, err := task.Run(tctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.TasksFailed++
				report.Failures = append(report.Failures, TaskFailure{Meta: meta, Error: err.Error()})
				c.metrics.TaskFailed(meta.Source)
				logger.Warn().Err(err).
					Str("source", meta.Source).
					Str("exchange", meta.Exchange).
					Str("category", meta.Category).
					Msg("Fetch task failed")
				return nil
			}
			report.TasksOK++
			records = append(records, recs...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}
	return records, nil
}

// stamp derives the run's shared ts: start time truncated to the second in
// UTC, never earlier than the previous run's.
func (c *Coordinator) stamp(started time.Time) time.Time {
	ts := started.UTC().Truncate(time.Second)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.Before(c.lastTS) {
		ts = c.lastTS
	}
	c.lastTS = ts
	return ts
}
