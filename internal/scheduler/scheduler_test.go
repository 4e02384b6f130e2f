package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeEvicter struct {
	calls []time.Duration
	n     int
}

func (f *fakeEvicter) EvictIdle(maxIdle time.Duration) int {
	f.calls = append(f.calls, maxIdle)
	return f.n
}

func newTestScheduler(reg *prometheus.Registry, now *time.Time) *Scheduler {
	s := New(NewMetrics(reg), nil)
	s.now = func() time.Time { return *now }
	return s
}

func TestAdd_InvalidExpression(t *testing.T) {
	s := New(nil, nil)
	err := s.Add(Job{Name: "bad", Schedule: "not a cron", Run: func(context.Context) (int, error) { return 0, nil }})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if err := s.Add(Job{Schedule: "* * * * *"}); err == nil {
		t.Fatal("expected error for job without name")
	}
}

func TestTick_RunsDueJobsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	s := newTestScheduler(reg, &now)

	ev := &fakeEvicter{n: 3}
	if err := s.Add(EvictIdleJob("evict_idle_threads", ev, "*/10 * * * *", 30*time.Minute)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	next, ok := s.NextRun("evict_idle_threads")
	if !ok || !next.Equal(time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)) {
		t.Fatalf("NextRun = %v, %v", next, ok)
	}

	s.tick(context.Background())
	if len(ev.calls) != 0 {
		t.Fatalf("job ran before it was due")
	}

	now = time.Date(2026, 3, 1, 12, 10, 5, 0, time.UTC)
	s.tick(context.Background())
	s.tick(context.Background())
	if len(ev.calls) != 1 {
		t.Fatalf("job ran %d times, want 1", len(ev.calls))
	}
	if ev.calls[0] != 30*time.Minute {
		t.Errorf("EvictIdle called with %v", ev.calls[0])
	}
	if next, _ := s.NextRun("evict_idle_threads"); !next.Equal(time.Date(2026, 3, 1, 12, 20, 0, 0, time.UTC)) {
		t.Errorf("next run not advanced: %v", next)
	}

	if got := counterValue(t, reg, "threadvault_scheduler_jobs_fired_total"); got != 1 {
		t.Errorf("jobs fired = %v, want 1", got)
	}
	if got := counterValue(t, reg, "threadvault_scheduler_items_processed_total"); got != 3 {
		t.Errorf("items processed = %v, want 3", got)
	}
}

func TestTick_FailedJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(reg, &now)

	err := s.Add(Job{
		Name:     "failing",
		Schedule: "@every 1m",
		Run:      func(context.Context) (int, error) { return 0, errors.New("boom") },
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	now = now.Add(2 * time.Minute)
	s.tick(context.Background())

	if got := counterValue(t, reg, "threadvault_scheduler_jobs_failed_total"); got != 1 {
		t.Errorf("jobs failed = %v, want 1", got)
	}
}

func TestStart_Cancel(t *testing.T) {
	s := New(nil, nil, WithPollInterval(time.Millisecond))
	done := make(chan struct{})
	if err := s.Add(Job{
		Name:     "tick",
		Schedule: "@every 1s",
		Run: func(context.Context) (int, error) {
			select {
			case <-done:
			default:
				close(done)
			}
			return 0, nil
		},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cancel := s.Start(context.Background())
	defer cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += counterOf(metric)
		}
	}
	return total
}

func counterOf(m *dto.Metric) float64 {
	return m.GetCounter().GetValue()
}
