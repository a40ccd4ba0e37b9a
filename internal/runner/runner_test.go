package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/h1v3-io/remedy/internal/classify"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

func TestScenariosClassify(t *testing.T) {
	want := map[string]protocol.Action{
		"library":   protocol.ActionReinstallLibraries,
		"timeout":   protocol.ActionRetryJob,
		"execution": protocol.ActionRetryJob,
	}
	for _, name := range ScenarioNames() {
		s, err := Scenario(name)
		if err != nil {
			t.Fatalf("scenario %s: %v", name, err)
		}
		got := classify.Classify(classify.Signature{ErrorType: s.Type, Message: s.Message})
		if !got.IsAutoRemediable || got.Action != want[name] {
			t.Errorf("%s: classified as %+v", name, got)
		}
		if got.Category != name {
			t.Errorf("%s: category %q", name, got.Category)
		}
	}

	if _, err := Scenario("divide-by-zero"); err == nil {
		t.Error("expected error for unknown scenario")
	}
}

func TestSimulated_AlwaysPassesAtZeroRate(t *testing.T) {
	s := NewSimulated(0, 1)
	for i := 0; i < 50; i++ {
		if err := s.Roll(); err != nil {
			t.Fatalf("roll %d failed: %v", i, err)
		}
	}
}

func TestSimulated_FailuresAreRemediable(t *testing.T) {
	s := NewSimulated(1, 42)
	for i := 0; i < 30; i++ {
		err := s.Roll()
		var jobErr *JobError
		if !errors.As(err, &jobErr) {
			t.Fatalf("roll %d: expected *JobError, got %v", i, err)
		}
		c := classify.Classify(classify.Signature{ErrorType: jobErr.Type, Message: jobErr.Message})
		if !c.IsAutoRemediable {
			t.Errorf("simulated failure not remediable: %s", jobErr)
		}
	}
}

func TestSimulated_SeedIsDeterministic(t *testing.T) {
	a := NewSimulated(DefaultFailureRate, 7)
	b := NewSimulated(DefaultFailureRate, 7)
	for i := 0; i < 20; i++ {
		ea, eb := a.Roll(), b.Roll()
		if (ea == nil) != (eb == nil) || (ea != nil && ea.Error() != eb.Error()) {
			t.Fatalf("roll %d diverged: %v vs %v", i, ea, eb)
		}
	}
}

func TestSimulated_RunHonoursContext(t *testing.T) {
	s := NewSimulated(0, 1)
	s.Delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, "job", protocol.ActionRetryJob); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestJobError_FailureEvent(t *testing.T) {
	e := &JobError{Type: "TimeoutError", Message: "timed out"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := e.FailureEvent("nightly", at)
	if ev.JobName != "nightly" || ev.ErrorType != "TimeoutError" || !ev.Timestamp.Equal(at) {
		t.Errorf("unexpected event %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if e.Error() != "TimeoutError: timed out" {
		t.Errorf("unexpected error string %q", e.Error())
	}
}
