package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/config"
)

// clock is a settable time source for tick tests.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, reg *prometheus.Registry) (*Scheduler, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	s := New(Options{Metrics: NewMetrics(reg)})
	s.now = c.Now
	return s, c
}

func TestAdd_Validation(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	noop := func(context.Context) error { return nil }

	if err := s.Add(Job{Name: "a", Schedule: "*/5 * * * *", Run: noop}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tests := []struct {
		name string
		job  Job
	}{
		{"duplicate", Job{Name: "a", Schedule: "* * * * *", Run: noop}},
		{"bad cron", Job{Name: "b", Schedule: "every minute", Run: noop}},
		{"six fields", Job{Name: "c", Schedule: "0 * * * * *", Run: noop}},
		{"no run", Job{Name: "d", Schedule: "* * * * *"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.job); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTick_FiresDueJobsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, c := newTestScheduler(t, reg)

	var runs atomic.Int32
	if err := s.Add(Job{Name: "every-minute", Schedule: "* * * * *", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	s.tick(ctx) // 10:00:30, next is 10:01.
	s.wg.Wait()
	if runs.Load() != 0 {
		t.Fatalf("fired before due: %d", runs.Load())
	}

	c.Advance(45 * time.Second) // 10:01:15
	s.tick(ctx)
	s.tick(ctx) // Same minute: already rescheduled to 10:02.
	s.wg.Wait()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || !jobs[0].NextRun.Equal(time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)) {
		t.Errorf("jobs = %+v", jobs)
	}
	if got := counter(t, reg, "coder1_scheduler_jobs_succeeded_total", "every-minute"); got != 1 {
		t.Errorf("succeeded = %v, want 1", got)
	}
}

func TestTick_SkipsOverlappingRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, c := newTestScheduler(t, reg)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	if err := s.Add(Job{Name: "slow", Schedule: "* * * * *", Run: func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c.Advance(time.Minute)
	s.tick(ctx)
	<-started

	c.Advance(time.Minute)
	s.tick(ctx) // Still running: skipped.
	close(release)
	s.wg.Wait()

	if len(started) != 0 {
		t.Error("overlapping run started")
	}
	if got := counter(t, reg, "coder1_scheduler_jobs_skipped_total", "slow"); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
}

func TestRunNow(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, _ := newTestScheduler(t, reg)
	boom := errors.New("boom")
	if err := s.Add(Job{Name: "fails", Schedule: "0 3 * * *", Run: func(context.Context) error { return boom }}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow(context.Background(), "fails"); !errors.Is(err, boom) {
		t.Errorf("RunNow err = %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RunNow(missing) err = %v", err)
	}
	jobs := s.Jobs()
	if jobs[0].LastError != "boom" || jobs[0].LastRun.IsZero() || jobs[0].Running {
		t.Errorf("status = %+v", jobs[0])
	}
	if got := counter(t, reg, "coder1_scheduler_jobs_failed_total", "fails"); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Options{PollInterval: 10 * time.Millisecond})
	ran := make(chan struct{}, 1)
	if err := s.Add(Job{Name: "j", Schedule: "* * * * *", Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	stop := s.Start(context.Background())
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	stop()
}

type fakeReconciler struct {
	broken int
	err    error
}

func (f *fakeReconciler) Reconcile(context.Context) (int, error) { return f.broken, f.err }

type fakePruner struct {
	before time.Time
	err    error
}

func (f *fakePruner) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, f.err
}

type fakeTasks struct{ cutoff time.Time }

func (f *fakeTasks) PruneTasks(cutoff time.Time) int {
	f.cutoff = cutoff
	return 2
}

func TestMaintenanceJobs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, nil)

	rec := &fakeReconciler{broken: 1, err: errors.New("docker unreachable")}
	if err := s.Add(ReconcileJob("* * * * *", rec, s.logger)); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(ctx, JobReconcile); err == nil {
		t.Error("reconcile error not propagated")
	}

	events := &fakePruner{}
	tasks := &fakeTasks{}
	if err := s.Add(PruneJob("0 3 * * *", 24*time.Hour, events, tasks, s.logger)); err != nil {
		t.Fatal(err)
	}
	before := time.Now().UTC()
	if err := s.RunNow(ctx, JobPruneEvents); err != nil {
		t.Fatalf("prune: %v", err)
	}
	wantCutoff := before.Add(-24 * time.Hour)
	if events.before.Before(wantCutoff.Add(-time.Minute)) || events.before.After(wantCutoff.Add(time.Minute)) {
		t.Errorf("event cutoff = %v, want ~%v", events.before, wantCutoff)
	}
	if !tasks.cutoff.Equal(events.before) {
		t.Errorf("task cutoff %v != event cutoff %v", tasks.cutoff, events.before)
	}
}

func TestFromConfig(t *testing.T) {
	s, err := FromConfig(nil, Deps{}, Options{})
	if err != nil || s != nil {
		t.Fatalf("nil config = %v, %v", s, err)
	}

	cfg := &config.SchedulerConfig{Enabled: true, Reconcile: "*/2 * * * *"}
	s, err = FromConfig(cfg, Deps{Sandboxes: &fakeReconciler{}, Events: &fakePruner{}}, Options{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].Name != JobPruneEvents || jobs[1].Schedule != "*/2 * * * *" {
		t.Errorf("jobs = %+v", jobs)
	}

	s, err = FromConfig(cfg, Deps{Sandboxes: &fakeReconciler{}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].Name != JobReconcile {
		t.Errorf("jobs without journal = %+v", jobs)
	}
}

func TestNextRunFrom(t *testing.T) {
	from := time.Date(2026, 3, 1, 2, 59, 0, 0, time.UTC)
	next, err := NextRunFrom("0 3 * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}
	if _, err := NextRunFrom("nope", from); err == nil {
		t.Error("expected parse error")
	}
}

func counter(t *testing.T, reg *prometheus.Registry, name, job string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if labelMap(m.GetLabel())["job"] == job {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
