// Package scheduler runs the periodic maintenance jobs: offer expiry,
// idempotency purge, and location history pruning.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/porterhq/dispatch/internal/database"
)

var (
	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_scheduler_job_runs_total",
			Help: "Scheduler job executions by job and result",
		},
		[]string{"job", "result"},
	)
)

const leaseKeyPrefix = "sched:lease:"

// Job is one repeating maintenance task. Exactly one of Interval or DailyAt
// is set.
type Job struct {
	Name string
	// Interval runs the job every tick.
	Interval time.Duration
	// DailyAt runs the job once a day at the given UTC wall-clock time.
	DailyAt *time.Duration
	Run     func(ctx context.Context) error
}

// Every creates an interval job.
func Every(name string, interval time.Duration, run func(ctx context.Context) error) Job {
	return Job{Name: name, Interval: interval, Run: run}
}

// DailyAt creates a job that runs once a day at hour:minute UTC.
func DailyAt(name string, hour, minute int, run func(ctx context.Context) error) Job {
	at := time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute
	return Job{Name: name, DailyAt: &at, Run: run}
}

// Scheduler drives each registered job on its own goroutine. Each tick
// takes a short Redis lease so at most one instance of the deployment runs
// the job; losing the lease skips the tick silently. Job failures are
// logged and metered; the next tick retries.
type Scheduler struct {
	redis  *database.Redis
	jobs   []Job
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(redis *database.Redis, logger *slog.Logger) *Scheduler {
	return &Scheduler{redis: redis, logger: logger}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per job.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			if job.DailyAt != nil {
				s.runDaily(ctx, job)
			} else {
				s.runEvery(ctx, job)
			}
		}(job)
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Stop cancels all jobs and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runEvery(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job, job.Interval)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, job Job) {
	for {
		timer := time.NewTimer(untilNextDaily(time.Now().UTC(), *job.DailyAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx, job, time.Hour)
		}
	}
}

// untilNextDaily returns the wait until the next occurrence of the daily
// wall-clock offset.
func untilNextDaily(now time.Time, at time.Duration) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(at)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// tick runs one execution guarded by the Redis lease.
func (s *Scheduler) tick(ctx context.Context, job Job, leaseTTL time.Duration) {
	acquired, err := s.redis.SetNX(ctx, leaseKeyPrefix+job.Name, time.Now().UTC().Format(time.RFC3339), leaseTTL)
	if err != nil {
		jobRunsTotal.WithLabelValues(job.Name, "lease_error").Inc()
		s.logger.Warn("failed to acquire scheduler lease",
			slog.String("job", job.Name),
			slog.Any("error", err),
		)
		return
	}
	if !acquired {
		// Another instance holds this tick.
		return
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		jobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error("scheduler job failed",
			slog.String("job", job.Name),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)
		return
	}
	jobRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Debug("scheduler job completed",
		slog.String("job", job.Name),
		slog.Duration("duration", time.Since(start)),
	)
}
