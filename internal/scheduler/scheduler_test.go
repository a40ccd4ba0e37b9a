package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJob(t *testing.T) {
	var mu sync.Mutex
	var calls []string

	sched := New(nil)

	err := sched.AddJob("retry-tick", "@every 1s", func(ctx context.Context) error {
		mu.Lock()
		calls = append(calls, "retry-tick")
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	// Start cron and wait for it to fire
	sched.cron.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.cron.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Fatal("expected at least one call")
	}
	if calls[0] != "retry-tick" {
		t.Errorf("call = %q", calls[0])
	}
}

func TestStart_PassesContextAndStops(t *testing.T) {
	sched := New(nil)

	var fired atomic.Int32
	sched.AddJob("expiry", "@every 1s", func(ctx context.Context) error {
		if ctx.Value(ctxKey{}) != "remedyd" {
			t.Error("job did not receive the scheduler context")
		}
		fired.Add(1)
		return errors.New("logged, not fatal")
	})

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "remedyd"))
	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()

	time.Sleep(1500 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if fired.Load() == 0 {
		t.Error("expected the job to fire")
	}
}

type ctxKey struct{}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	err := sched.AddJob("retry-tick", "invalid-cron", func(context.Context) error { return nil })
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}
}

func TestAddJobReplacesName(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.AddJob("retry-tick", "@every 1h", noop)
	sched.AddJob("retry-tick", "@every 2h", noop)

	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d after re-add", sched.JobCount())
	}
	if n := len(sched.cron.Entries()); n != 1 {
		t.Errorf("cron entries = %d", n)
	}
}

func TestRemoveAndListJobs(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.AddJob("retry-tick", "@every 1h", noop)
	sched.AddJob("approval-expiry", "@every 2h", noop)

	jobs := sched.ListJobs()
	if len(jobs) != 2 || jobs[0] != "approval-expiry" || jobs[1] != "retry-tick" {
		t.Errorf("ListJobs = %v", jobs)
	}

	sched.RemoveJob("retry-tick")
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
	if !sched.Next("retry-tick").IsZero() {
		t.Error("removed job should have no next time")
	}
}
