package intake

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/h1v3-io/remedy/internal/approval"
	"github.com/h1v3-io/remedy/internal/connector"
	"github.com/h1v3-io/remedy/internal/lock"
	"github.com/h1v3-io/remedy/internal/metrics"
	"github.com/h1v3-io/remedy/internal/retry"
	"github.com/h1v3-io/remedy/internal/ticket"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

type fakeNotifier struct {
	mu       sync.Mutex
	requests []connector.ApprovalRequest
	notices  []connector.Notice
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) RequestApproval(_ context.Context, req connector.ApprovalRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) Notify(_ context.Context, n connector.Notice) error {
	f.mu.Lock()
	f.notices = append(f.notices, n)
	f.mu.Unlock()
	return nil
}

func newStore(t *testing.T) *ticket.SQLiteStore {
	t.Helper()
	s, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "remedy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func libraryFailure(job string) protocol.FailureEvent {
	return protocol.FailureEvent{
		JobName:      job,
		ErrorType:    "ModuleNotFoundError",
		ErrorMessage: "No module named 'nonexistent_library_xyz_12345'",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandle_RemediableRequestsApproval(t *testing.T) {
	s := newStore(t)
	n := &fakeNotifier{}
	gate := approval.New(s, n, nil, approval.Config{}, nil)
	in := New(s, nil, gate, n, nil, nil)

	id, err := in.Handle(context.Background(), libraryFailure("nightly-etl"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	tk, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tk.Status != protocol.TicketPendingApproval {
		t.Errorf("expected pending_approval, got %s", tk.Status)
	}
	if tk.Action != protocol.ActionReinstallLibraries || tk.Risk != protocol.RiskLow || tk.Category != "library" {
		t.Errorf("unexpected classification: action=%s risk=%s category=%s", tk.Action, tk.Risk, tk.Category)
	}
	if !tk.FailedAt.Equal(libraryFailure("").Timestamp) {
		t.Errorf("failed_at not preserved: %v", tk.FailedAt)
	}
	if len(n.requests) != 1 || n.requests[0].TicketID != id {
		t.Errorf("expected one approval card for %s, got %+v", id, n.requests)
	}
}

func TestHandle_UnknownNotifiesHuman(t *testing.T) {
	s := newStore(t)
	n := &fakeNotifier{}
	gate := approval.New(s, n, nil, approval.Config{}, nil)
	in := New(s, nil, gate, n, nil, nil)

	id, err := in.Handle(context.Background(), protocol.FailureEvent{
		JobName:      "nightly-etl",
		ErrorType:    "ZeroDivisionError",
		ErrorMessage: "division by zero",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	tk, _ := s.Get(id)
	if tk.Status != protocol.TicketOpen || tk.IsAutoRemediable {
		t.Errorf("expected open non-remediable ticket, got %s remediable=%v", tk.Status, tk.IsAutoRemediable)
	}
	if tk.Action != protocol.ActionNone || tk.Risk != protocol.RiskHigh {
		t.Errorf("unexpected verdict %s/%s", tk.Action, tk.Risk)
	}
	if len(n.requests) != 0 {
		t.Error("non-remediable ticket must not request approval")
	}
	if len(n.notices) != 1 {
		t.Errorf("expected one human notice, got %d", len(n.notices))
	}
}

func TestHandle_DeduplicatesActiveTicket(t *testing.T) {
	s := newStore(t)
	n := &fakeNotifier{}
	gate := approval.New(s, n, nil, approval.Config{}, nil)
	in := New(s, nil, gate, n, nil, nil)
	ctx := context.Background()

	first, err := in.Handle(ctx, libraryFailure("nightly-etl"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := in.Handle(ctx, libraryFailure("nightly-etl"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Errorf("expected failure attached to %s, got new ticket %s", first, second)
	}

	count, _ := s.Count(ticket.Filter{})
	if count != 1 {
		t.Errorf("expected 1 ticket, got %d", count)
	}
	events, _ := s.Events(first)
	var dup int
	for _, ev := range events {
		if ev.Kind == protocol.EventDuplicateFailure {
			dup++
		}
	}
	if dup != 1 {
		t.Errorf("expected 1 duplicate_failure event, got %d", dup)
	}

	// Another job gets its own ticket.
	other, _ := in.Handle(ctx, libraryFailure("hourly-sync"))
	if other == first {
		t.Error("different job should open its own ticket")
	}
}

func TestHandle_ConcurrentFailuresOpenOneTicket(t *testing.T) {
	s := newStore(t)
	in := New(s, nil, nil, &fakeNotifier{}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := in.Handle(context.Background(), libraryFailure("nightly-etl")); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	count, _ := s.Count(ticket.Filter{})
	if count != 1 {
		t.Errorf("expected 1 ticket, got %d", count)
	}
}

// sharedLocker stands in for a cross-instance locker: it only offers
// TryLock, so intake has to poll, and it records the keys it was asked for.
type sharedLocker struct {
	inner *lock.Keyed
	mu    sync.Mutex
	keys  map[string]int
}

func (l *sharedLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	l.keys[key]++
	l.mu.Unlock()
	return l.inner.TryLock(ctx, key)
}

func TestHandle_SharedLockerAcrossInstances(t *testing.T) {
	s := newStore(t)
	shared := &sharedLocker{inner: lock.NewKeyed(), keys: map[string]int{}}
	a := New(s, nil, nil, &fakeNotifier{}, shared, nil)
	b := New(s, nil, nil, &fakeNotifier{}, shared, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		in := a
		if i%2 == 1 {
			in = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := in.Handle(context.Background(), libraryFailure("nightly-etl")); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	count, _ := s.Count(ticket.Filter{})
	if count != 1 {
		t.Errorf("expected 1 ticket, got %d", count)
	}
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.keys[lock.JobKey("nightly-etl")] < 8 {
		t.Errorf("expected every handle to lock %q, got %v", lock.JobKey("nightly-etl"), shared.keys)
	}
}

func TestHandle_InvalidEvent(t *testing.T) {
	s := newStore(t)
	in := New(s, nil, nil, nil, nil, nil)

	if _, err := in.Handle(context.Background(), protocol.FailureEvent{ErrorType: "X"}); err == nil {
		t.Error("expected error for missing job_name")
	}
}

// TestRemediationLifecycle drives a ticket from failure through approval to a
// successful third attempt.
func TestRemediationLifecycle(t *testing.T) {
	s := newStore(t)
	n := &fakeNotifier{}

	var mu sync.Mutex
	results := []error{errors.New("fail 1"), errors.New("fail 2"), nil}
	calls := 0
	runner := retry.RunnerFunc(func(context.Context, string, protocol.Action) error {
		mu.Lock()
		defer mu.Unlock()
		err := results[calls]
		calls++
		return err
	})

	orch := retry.New(s, runner, nil, n, retry.Config{MaxRetries: 3, Cooldown: 0}, nil)
	defer orch.Stop()
	gate := approval.New(s, n, orch, approval.Config{}, nil)
	in := New(s, nil, gate, n, nil, nil)
	ctx := context.Background()

	id, err := in.Handle(ctx, protocol.FailureEvent{
		JobName:      "nightly-etl",
		ErrorType:    "TimeoutError",
		ErrorMessage: "Databricks job timed out",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if changed, err := gate.Approve(ctx, id, "alice"); err != nil || !changed {
		t.Fatalf("approve: changed=%v err=%v", changed, err)
	}
	orch.Wait()

	for i := 0; i < 2; i++ {
		if _, err := orch.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		orch.Wait()
	}

	tk, _ := s.Get(id)
	if tk.Status != protocol.TicketResolved || tk.Resolution != protocol.ResolutionSucceeded {
		t.Fatalf("expected resolved/succeeded, got %s/%s", tk.Status, tk.Resolution)
	}
	if tk.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", tk.RetryCount)
	}
	if calls != 3 {
		t.Errorf("expected 3 runs, got %d", calls)
	}
}

func TestHandle_CountsMetrics(t *testing.T) {
	s := newStore(t)
	n := &fakeNotifier{}
	in := New(s, nil, approval.New(s, n, nil, approval.Config{}, nil), n, nil, nil)

	created := testutil.ToFloat64(metrics.TicketsCreated.WithLabelValues("library"))
	dupes := testutil.ToFloat64(metrics.DuplicateFailures)

	ctx := context.Background()
	if _, err := in.Handle(ctx, libraryFailure("metrics-job")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := in.Handle(ctx, libraryFailure("metrics-job")); err != nil {
		t.Fatalf("handle duplicate: %v", err)
	}

	if got := testutil.ToFloat64(metrics.TicketsCreated.WithLabelValues("library")) - created; got != 1 {
		t.Errorf("tickets created delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.DuplicateFailures) - dupes; got != 1 {
		t.Errorf("duplicate failures delta = %v, want 1", got)
	}
}
