// Package scheduler drives the engine's billing sweeps on cron schedules.
// The engine itself owns no timers; this package is the reference driver
// for deployments that want in-process scheduling.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/rebillhq/rebill"
)

// Default sweep schedules, in standard five-field cron syntax.
const (
	DefaultDueSchedule   = "*/5 * * * *"
	DefaultRetrySchedule = "*/5 * * * *"
	DefaultGraceSchedule = "*/15 * * * *"
	DefaultTrialSchedule = "*/15 * * * *"
)

// Config holds the cron expressions for the four billing sweeps. Empty
// fields fall back to the defaults; "-" disables a sweep entirely.
type Config struct {
	DueSchedule   string
	RetrySchedule string
	GraceSchedule string
	TrialSchedule string
}

func (c Config) withDefaults() Config {
	if c.DueSchedule == "" {
		c.DueSchedule = DefaultDueSchedule
	}
	if c.RetrySchedule == "" {
		c.RetrySchedule = DefaultRetrySchedule
	}
	if c.GraceSchedule == "" {
		c.GraceSchedule = DefaultGraceSchedule
	}
	if c.TrialSchedule == "" {
		c.TrialSchedule = DefaultTrialSchedule
	}
	return c
}

// Scheduler runs the engine's Process* sweeps on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	engine *rebill.Engine
	logger *slog.Logger
	cfg    Config
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler for the engine. Jobs are registered by Start.
func New(engine *rebill.Engine, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine: engine,
		logger: slog.Default(),
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return s
}

// Start registers the sweep jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) (*rebill.SweepResult, error)
	}{
		{"due", s.cfg.DueSchedule, s.engine.ProcessDue},
		{"retry", s.cfg.RetrySchedule, s.engine.ProcessRetries},
		{"grace", s.cfg.GraceSchedule, s.engine.ProcessGraceExpirations},
		{"trial", s.cfg.TrialSchedule, s.engine.ProcessTrialsEnding},
	}

	for _, job := range jobs {
		if job.schedule == "-" {
			s.logger.Info("sweep disabled", "sweep", job.name)
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, s.sweepJob(job.name, job.run)); err != nil {
			return err
		}
		s.logger.Info("sweep scheduled", "sweep", job.name, "schedule", job.schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron loop. The returned context is done once any running
// jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// sweepJob wraps one sweep for cron: run it, log the result, swallow the
// error. A failing sweep must not take the scheduler down; the next tick
// retries naturally.
func (s *Scheduler) sweepJob(name string, run func(context.Context) (*rebill.SweepResult, error)) func() {
	return func() {
		res, err := run(context.Background())
		if err != nil {
			s.logger.Error("sweep failed", "sweep", name, "error", err)
			return
		}
		if res.Processed == 0 && res.Failed == 0 && res.Skipped == 0 {
			return
		}
		s.logger.Info("sweep completed",
			"sweep", name,
			"processed", res.Processed,
			"failed", res.Failed,
			"skipped", res.Skipped,
			"elapsed", res.Elapsed,
		)
	}
}
