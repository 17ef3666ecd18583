// Package scheduler runs maintenance jobs on 5-field cron schedules:
// reconciling sandboxes whose backend environment vanished and pruning the
// event journal. Jobs never overlap with themselves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// ErrJobRunning is returned by RunNow when the job is already in progress.
var ErrJobRunning = errors.New("scheduler: job already running")

// Job is a named unit of maintenance work.
type Job struct {
	Name     string
	Schedule string // Standard 5-field cron expression, evaluated in UTC.
	Run      func(ctx context.Context) error
}

// JobStatus is a snapshot of a job for listings.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Running   bool      `json:"running"`
}

type jobState struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
	lastRun  time.Time
	lastErr  error
	running  bool
}

// Options configures a Scheduler.
type Options struct {
	// PollInterval is how often due jobs are looked for. Default: 15s.
	PollInterval time.Duration
	// JobTimeout bounds one job run. Default: 5m.
	JobTimeout time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// Scheduler fires jobs when their schedule comes due.
type Scheduler struct {
	poll    time.Duration
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger
	parser  cron.Parser
	now     func() time.Time

	mu   sync.Mutex
	jobs []*jobState
	wg   sync.WaitGroup
}

// New creates a Scheduler with no jobs.
func New(opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		poll:    opts.PollInterval,
		timeout: opts.JobTimeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.job.Name == job.Name {
			return fmt.Errorf("scheduler: duplicate job %q", job.Name)
		}
	}
	s.jobs = append(s.jobs, &jobState{job: job, schedule: sched, next: sched.Next(s.now())})
	return nil
}

// Start begins the scheduler loop. The returned func stops the loop and
// waits for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.String("poll_interval", s.poll.String()),
			slog.Int("jobs", len(s.Jobs())),
		)

		ticker := time.NewTicker(s.poll)
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

	return func() {
		cancel()
		<-done
		s.wg.Wait()
	}
}

// tick fires every job whose next run is due. A job still running from a
// previous fire is skipped and rescheduled.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	now := s.now()

	s.mu.Lock()
	var due []*jobState
	for _, j := range s.jobs {
		if j.next.After(now) {
			continue
		}
		j.next = j.schedule.Next(now)
		if j.running {
			s.count("skipped", j.job.Name)
			s.logger.WarnContext(ctx, "maintenance job still running, skipping",
				slog.String("job", j.job.Name),
			)
			continue
		}
		j.running = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Go(func() { s.fire(ctx, j) })
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *jobState
	for _, j := range s.jobs {
		if j.job.Name == name {
			target = j
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if target.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	target.running = true
	s.mu.Unlock()

	return s.fire(ctx, target)
}

// fire runs j and records the outcome. j.running must already be set.
func (s *Scheduler) fire(ctx context.Context, j *jobState) error {
	name := j.job.Name
	s.count("fired", name)

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := j.job.Run(runCtx)
	cancel()

	s.mu.Lock()
	j.running = false
	j.lastRun = s.now()
	j.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.count("failed", name)
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.count("succeeded", name)
	return nil
}

// Jobs returns a snapshot of every job sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, len(s.jobs))
	for i, j := range s.jobs {
		st := JobStatus{
			Name:     j.job.Name,
			Schedule: j.job.Schedule,
			NextRun:  j.next,
			LastRun:  j.lastRun,
			Running:  j.running,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		out[i] = st
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Scheduler) count(outcome, job string) {
	if s.metrics == nil {
		return
	}
	switch outcome {
	case "fired":
		s.metrics.JobsFired.WithLabelValues(job).Inc()
	case "succeeded":
		s.metrics.JobsSucceeded.WithLabelValues(job).Inc()
	case "failed":
		s.metrics.JobsFailed.WithLabelValues(job).Inc()
	case "skipped":
		s.metrics.JobsSkipped.WithLabelValues(job).Inc()
	}
}

// NextRunFrom computes the next run time of expr after from.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
