// Package scheduler runs the periodic maintenance jobs of the server.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Job is a named task run every Interval. Run receives the scheduler's
// notion of now.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// Scheduler wraps gocron with the server's clock and logger.
type Scheduler struct {
	s     gocron.Scheduler
	clock clockwork.Clock
	log   *slog.Logger
}

func New(clock clockwork.Clock, log *slog.Logger) (*Scheduler, error) {
	log = log.With("component", "scheduler")
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithClock(clock),
		gocron.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{s: s, clock: clock, log: log}, nil
}

// Add registers job. A run that is still going when the next one is due is
// not started twice.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	_, err := s.s.NewJob(
		gocron.DurationJob(job.Interval),
		gocron.NewTask(func() {
			if err := job.Run(ctx, s.clock.Now().UTC()); err != nil {
				s.log.Error("job failed", "name", job.Name, "err", err)
			}
		}),
		gocron.WithName(job.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", job.Name, err)
	}
	s.log.Info("job scheduled", "name", job.Name, "interval", job.Interval)
	return nil
}

func (s *Scheduler) Start() {
	s.s.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}
