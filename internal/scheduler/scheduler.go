// Package scheduler hosts the ingestion trigger on a cron timer.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is a parameterless trigger returning rows written.
type Job func() (int, error)

// Config holds the timer settings.
type Config struct {
	// Schedule is a standard cron spec or descriptor such as "@every 5m".
	Schedule   string
	RunOnStart bool
}

// JobResult is the outcome of one trigger.
type JobResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Written   int           `json:"written"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Status describes the scheduler.
type Status struct {
	Running    bool          `json:"running"`
	Schedule   string        `json:"schedule"`
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
	NextRun    time.Time     `json:"next_run,omitempty"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	LastResult *JobResult    `json:"last_result,omitempty"`
}

// Scheduler runs one job on a cron schedule. Overlapping runs are allowed.
type Scheduler struct {
	cfg     Config
	job     Job
	cron    *cron.Cron
	entryID cron.EntryID
	logger  zerolog.Logger

	mu        sync.Mutex
	running   bool
	startTime time.Time
	runs      int
	failures  int
	last      *JobResult
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New validates the schedule and registers job.
func New(cfg Config, job Job, opts ...Option) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	s := &Scheduler{cfg: cfg, job: job, logger: log.Logger}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	id, err := s.cron.AddFunc(cfg.Schedule, func() { s.RunNow() })
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins firing the job and stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info().Str("schedule", s.cfg.Schedule).Bool("run_on_start", s.cfg.RunOnStart).Msg("Scheduler started")
	if s.cfg.RunOnStart {
		go s.RunNow()
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		<-s.Stop().Done()
	}()
}

// Stop halts the timer; the returned context is done once in-flight runs finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if wasRunning {
		s.logger.Info().Msg("Scheduler stopping")
	}
	return s.cron.Stop()
}

// RunNow triggers the job synchronously. A panic is reported as a failure.
func (s *Scheduler) RunNow() (res JobResult) {
	res.StartTime = time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.EndTime = time.Now()
		res.Duration = res.EndTime.Sub(res.StartTime)
		s.record(res)
	}()

	written, err := s.job()
	res.Written = written
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (s *Scheduler) record(res JobResult) {
	s.mu.Lock()
	s.runs++
	if !res.Success {
		s.failures++
	}
	s.last = &res
	s.mu.Unlock()

	if res.Success {
		s.logger.Info().Int("written", res.Written).Dur("duration", res.Duration).Msg("Scheduled ingestion finished")
		return
	}
	// The next tick is the retry.
	s.logger.Error().Str("error", res.Error).Dur("duration", res.Duration).Msg("Scheduled ingestion failed")
}

// Status reports the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:  s.running,
		Schedule: s.cfg.Schedule,
		Runs:     s.runs,
		Failures: s.failures,
	}
	if s.running {
		st.Uptime = time.Since(s.startTime)
		st.NextRun = s.cron.Entry(s.entryID).Next
	}
	if s.last != nil {
		last := *s.last
		st.LastRun = last.StartTime
		st.LastResult = &last
	}
	return st
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
