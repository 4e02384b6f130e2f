// Package scheduler runs threadvault maintenance jobs on cron schedules.
// Jobs run in-process on the gateway; there is no persisted job table.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollInterval is how often the scheduler checks for due jobs.
const DefaultPollInterval = 15 * time.Second

// Job is a named maintenance task. Run returns the number of items it processed.
type Job struct {
	Name     string
	Schedule string // 5-field cron expression or descriptor ("@every 10m", "@hourly").
	Run      func(ctx context.Context) (int, error)
}

type scheduledJob struct {
	Job
	schedule cron.Schedule
	nextRun  time.Time
}

// Scheduler fires registered jobs when their next run time passes.
type Scheduler struct {
	metrics      *Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time
	parser       cron.Parser

	mu   sync.Mutex
	jobs []*scheduledJob
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a Scheduler. metrics may be nil; a nil logger discards output.
func New(metrics *Metrics, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scheduler{
		metrics:      metrics,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. The first run is the next schedule time after now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduledJob{Job: job, schedule: sched, nextRun: sched.Next(s.now())})
	return nil
}

// NextRun returns the next scheduled run of the named job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j.nextRun, true
		}
	}
	return time.Time{}, false
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.String("poll_interval", s.pollInterval.String()),
			slog.Int("jobs", s.jobCount()),
		)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// tick runs every due job once and advances its next run time.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	now := s.now()

	s.mu.Lock()
	var due []*scheduledJob
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			j.nextRun = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fireJob(ctx, j)
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) fireJob(ctx context.Context, job *scheduledJob) {
	if s.metrics != nil {
		s.metrics.JobsFired.WithLabelValues(job.Name).Inc()
	}

	n, err := job.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.WithLabelValues(job.Name).Inc()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.ItemsProcessed.WithLabelValues(job.Name).Add(float64(n))
	}
	s.logger.DebugContext(ctx, "maintenance job completed",
		slog.String("job", job.Name),
		slog.Int("items", n),
	)
}

// IdleEvicter drops state that has not been used within a duration.
type IdleEvicter interface {
	EvictIdle(maxIdle time.Duration) int
}

// EvictIdleJob returns a job that evicts entries idle for longer than ttl.
func EvictIdleJob(name string, e IdleEvicter, schedule string, ttl time.Duration) Job {
	return Job{
		Name:     name,
		Schedule: schedule,
		Run: func(context.Context) (int, error) {
			return e.EvictIdle(ttl), nil
		},
	}
}
