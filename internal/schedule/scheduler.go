// Package schedule wraps the gocron scheduler for the two kinds of jobs the
// bridge runs: one-shot delayed reply sends and recurring maintenance tasks.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// TaskFunc is the signature for scheduled work. The context provided by the
// scheduler should be respected for cancellation.
type TaskFunc func(ctx context.Context) error

// Scheduler manages scheduled jobs using the gocron library.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	mu        sync.Mutex
	running   bool
}

// New creates a scheduler instance.
func New(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// Start begins the scheduler's internal ticking. Jobs may be registered both
// before and after Start.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started")
}

// Stop gracefully stops the scheduler, waiting for running jobs to complete.
// One-shot jobs that have not fired yet are dropped; this is the documented
// best-effort contract for delayed sends.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
		return err
	}
	s.logger.Info("Scheduler stopped gracefully")
	return nil
}

// After schedules fn to run once after delay. The job is fire-and-scheduled:
// it is not tracked or cancellable, its failure is only logged, and it is
// lost if the process exits before it fires.
func (s *Scheduler) After(delay time.Duration, name string, fn TaskFunc) {
	start := gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	if delay <= 0 {
		start = gocron.OneTimeJobStartImmediately()
	}

	_, err := s.scheduler.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(s.wrap(name, fn), context.Background(), name),
		gocron.WithName(name),
	)
	if err != nil {
		s.logger.Error("Failed to schedule one-shot job", "job_name", name, "error", err)
	}
}

// Cron schedules fn on the given cron expression (with a seconds field).
func (s *Scheduler) Cron(spec, name string, fn TaskFunc) error {
	_, err := s.scheduler.NewJob(
		gocron.CronJob(spec, true),
		gocron.NewTask(s.wrap(name, fn), context.Background(), name),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}
	s.logger.Info("Scheduled recurring job", "job_name", name, "schedule", spec)
	return nil
}

// wrap adds logging around job execution.
func (s *Scheduler) wrap(name string, fn TaskFunc) func(ctx context.Context, name string) {
	return func(ctx context.Context, _ string) {
		startTime := time.Now()
		s.logger.Debug("Running scheduled job", "job_name", name)
		if err := fn(ctx); err != nil {
			s.logger.Error("Scheduled job failed", "job_name", name, "error", err)
		}
		s.logger.Debug("Finished scheduled job", "job_name", name, "duration", time.Since(startTime))
	}
}
