// Package cron runs the periodic model catalog refresh on a cron expression.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is the unit of scheduled work. The catalog cache's best-effort refresh
// satisfies it through JobFunc.
type Job interface {
	Run(ctx context.Context)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context)

func (f JobFunc) Run(ctx context.Context) { f(ctx) }

// Config holds the dependencies for the scheduler.
type Config struct {
	Name     string
	Expr     string
	Job      Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// RunOnStart fires the job once before waiting for the first due time.
	RunOnStart bool
}

// Scheduler fires Job whenever its cron expression comes due.
type Scheduler struct {
	name       string
	schedule   cronlib.Schedule
	job        Job
	logger     *slog.Logger
	interval   time.Duration
	runOnStart bool

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the expression and creates a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, fmt.Errorf("cron: nil job")
	}
	sched, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", cfg.Expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "job"
	}
	return &Scheduler{
		name:       name,
		schedule:   sched,
		job:        cfg.Job,
		logger:     logger,
		interval:   interval,
		runOnStart: cfg.RunOnStart,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "job", s.name, "interval", s.interval)
}

// Run blocks until ctx is done. It is the errgroup-friendly form of Start.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped", "job", s.name)
}

// NextRun returns the next due time, zero before the loop starts.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.fire(ctx)
	}
	s.setNext(s.schedule.Next(time.Now()))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires the job when its due time has passed, then computes the next one.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if now.Before(s.NextRun()) {
		return
	}
	s.fire(ctx)
	next := s.schedule.Next(now)
	s.setNext(next)
	s.logger.Debug("cron: next run scheduled", "job", s.name, "next_run_at", next)
}

func (s *Scheduler) fire(ctx context.Context) {
	start := time.Now()
	s.job.Run(ctx)
	s.logger.Info("cron: job fired", "job", s.name, "duration_ms", time.Since(start).Milliseconds())
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
