package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/remedy/pkg/protocol"
)

type fakeWorkspace struct {
	mu        sync.Mutex
	polls     int
	pending   int // runs/get calls that report RUNNING before terminating
	result    string
	installed []installRequest
	runNow    []runNowRequest
}

func (f *fakeWorkspace) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/2.0/libraries/install", func(w http.ResponseWriter, r *http.Request) {
		var req installRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode install: %v", err)
		}
		f.mu.Lock()
		f.installed = append(f.installed, req)
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /api/2.1/jobs/run-now", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer dapi-test" {
			t.Error("missing auth header")
		}
		var req runNowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode run-now: %v", err)
		}
		f.mu.Lock()
		f.runNow = append(f.runNow, req)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(runNowResponse{RunID: 77})
	})
	mux.HandleFunc("GET /api/2.1/jobs/runs/get", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("run_id") != "77" {
			t.Errorf("unexpected run_id %q", r.URL.Query().Get("run_id"))
		}
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()

		resp := runResponse{RunID: 77, State: runState{LifeCycleState: "RUNNING"}}
		if polls > f.pending {
			resp.State = runState{LifeCycleState: "TERMINATED", ResultState: f.result, StateMessage: "done"}
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func TestDatabricks_RetryJobSucceeds(t *testing.T) {
	ws := &fakeWorkspace{pending: 2, result: "SUCCESS"}
	srv := httptest.NewServer(ws.handler(t))
	defer srv.Close()

	d := NewDatabricks(DatabricksConfig{
		Host:         srv.URL + "/",
		Token:        "dapi-test",
		Jobs:         map[string]int64{"nightly-etl": 42},
		ClusterID:    "0101-abc",
		Libraries:    []Library{{PyPI: &PyPILibrary{Package: "requests"}}},
		PollInterval: time.Millisecond,
	})

	if err := d.Run(context.Background(), "nightly-etl", protocol.ActionRetryJob); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ws.runNow) != 1 || ws.runNow[0].JobID != 42 {
		t.Errorf("unexpected run-now calls: %+v", ws.runNow)
	}
	if ws.polls != 3 {
		t.Errorf("expected 3 polls, got %d", ws.polls)
	}
	if len(ws.installed) != 0 {
		t.Error("retry_job must not reinstall libraries")
	}
}

func TestDatabricks_ReinstallLibraries(t *testing.T) {
	ws := &fakeWorkspace{result: "SUCCESS"}
	srv := httptest.NewServer(ws.handler(t))
	defer srv.Close()

	d := NewDatabricks(DatabricksConfig{
		Host:         srv.URL,
		Token:        "dapi-test",
		Jobs:         map[string]int64{"nightly-etl": 42},
		ClusterID:    "0101-abc",
		Libraries:    []Library{{PyPI: &PyPILibrary{Package: "requests"}}},
		PollInterval: time.Millisecond,
	})

	if err := d.Run(context.Background(), "nightly-etl", protocol.ActionReinstallLibraries); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ws.installed) != 1 {
		t.Fatalf("expected one install call, got %d", len(ws.installed))
	}
	got := ws.installed[0]
	if got.ClusterID != "0101-abc" || len(got.Libraries) != 1 || got.Libraries[0].PyPI.Package != "requests" {
		t.Errorf("unexpected install request: %+v", got)
	}
}

func TestDatabricks_FailedRun(t *testing.T) {
	ws := &fakeWorkspace{result: "FAILED"}
	srv := httptest.NewServer(ws.handler(t))
	defer srv.Close()

	d := NewDatabricks(DatabricksConfig{
		Host:         srv.URL,
		Token:        "dapi-test",
		Jobs:         map[string]int64{"nightly-etl": 42},
		PollInterval: time.Millisecond,
	})

	err := d.Run(context.Background(), "nightly-etl", protocol.ActionRetryJob)
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("expected *JobError, got %v", err)
	}
	if jobErr.Type != "DatabricksFailed" {
		t.Errorf("unexpected error type %q", jobErr.Type)
	}
}

func TestDatabricks_UnknownJob(t *testing.T) {
	d := NewDatabricks(DatabricksConfig{Host: "http://unused"})
	err := d.Run(context.Background(), "missing", protocol.ActionRetryJob)
	if err == nil || !strings.Contains(err.Error(), "no job id") {
		t.Errorf("expected missing job error, got %v", err)
	}
}

func TestDatabricks_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error_code":"PERMISSION_DENIED"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDatabricks(DatabricksConfig{Host: srv.URL, Jobs: map[string]int64{"j": 1}})
	err := d.Run(context.Background(), "j", protocol.ActionRetryJob)
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Errorf("expected api error, got %v", err)
	}
}
