// Package scheduler re-runs the materialization workflow on a cron schedule
// for watch mode. Runs are executed one at a time; a manual trigger waits
// for a scheduled run in progress to finish.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/tunnelsecrets/internal/config"
	"github.com/jkaninda/tunnelsecrets/internal/materializer"
	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

// Schedule reports the next activation time after t.
// cron.Schedule satisfies it.
type Schedule interface {
	Next(t time.Time) time.Time
}

// Executor runs the workflow once for the given trigger.
type Executor interface {
	Execute(ctx context.Context, trigger string) (*materializer.Report, error)
}

// Options configures a Scheduler.
type Options struct {
	Expression     string   // Five-field cron expression. Ignored when Schedule is set.
	Schedule       Schedule // Overrides Expression.
	SkipInitialRun bool
	Metrics        *Metrics
	Logger         *slog.Logger
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Schedule string     `json:"schedule"`
	Running  bool       `json:"running"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	LastRun  *LastRun   `json:"last_run,omitempty"`
}

// LastRun summarizes the most recent run.
type LastRun struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Scheduler fires an Executor on a cron schedule.
type Scheduler struct {
	exec     Executor
	schedule Schedule
	expr     string
	skipInit bool
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	runMu   sync.Mutex
	running bool
	next    time.Time
	last    *LastRun
}

// New creates a Scheduler. The cron expression is parsed here.
func New(exec Executor, opts Options) (*Scheduler, error) {
	if exec == nil {
		return nil, errors.New("scheduler requires an executor")
	}
	s := &Scheduler{
		exec:     exec,
		schedule: opts.Schedule,
		expr:     opts.Expression,
		skipInit: opts.SkipInitialRun,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if s.schedule == nil {
		if s.expr == "" {
			s.expr = (*config.WatchConfig)(nil).CronSchedule()
		}
		sched, err := config.ParseSchedule(s.expr)
		if err != nil {
			return nil, err
		}
		s.schedule = sched
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Start begins the scheduler loop. Returns a cancel function that stops it;
// a run in progress is allowed to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "watch scheduler started",
			slog.String("schedule", s.expr),
			slog.Bool("initial_run", !s.skipInit),
		)

		if !s.skipInit {
			s.fire(ctx, storage.TriggerSchedule)
		}

		for {
			next := s.schedule.Next(time.Now())
			s.setNext(next)
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("watch scheduler stopped")
				return
			case <-timer.C:
				s.fire(ctx, storage.TriggerSchedule)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Trigger runs the workflow immediately, outside the schedule.
func (s *Scheduler) Trigger(ctx context.Context) (*materializer.Report, error) {
	return s.fire(ctx, storage.TriggerAPI)
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Schedule: s.expr, Running: s.running}
	if !s.next.IsZero() {
		next := s.next
		st.NextRun = &next
	}
	if s.last != nil {
		last := *s.last
		st.LastRun = &last
	}
	return st
}

func (s *Scheduler) fire(ctx context.Context, trigger string) (*materializer.Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	if s.metrics != nil {
		s.metrics.RunsFired.WithLabelValues(trigger).Inc()
	}

	report, err := s.exec.Execute(ctx, trigger)

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
		if err != nil || (report != nil && report.Failed()) {
			s.metrics.RunsFailed.WithLabelValues(trigger).Inc()
		}
	}

	last := &LastRun{Trigger: trigger, Status: "failed", FinishedAt: time.Now()}
	if report != nil {
		last.ID = report.ID
		last.Status = report.Status()
		last.Summary = report.Summary()
		if rerr := report.Err(); rerr != nil {
			last.Error = rerr.Error()
		}
	}
	if err != nil {
		last.Status = "failed"
		last.Error = err.Error()
		s.logger.ErrorContext(ctx, "scheduled run failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	s.running = false
	s.last = last
	s.mu.Unlock()

	return report, err
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}
