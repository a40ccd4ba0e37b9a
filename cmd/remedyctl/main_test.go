package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/remedy/internal/connector/webhook"
	"github.com/h1v3-io/remedy/internal/runner"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

func TestListQuery(t *testing.T) {
	q := listQuery("retrying", "nightly etl", 10)
	if !strings.Contains(q, "status=retrying") {
		t.Errorf("missing status: %s", q)
	}
	if !strings.Contains(q, "job=nightly+etl") {
		t.Errorf("job not encoded: %s", q)
	}
	if !strings.Contains(q, "limit=10") {
		t.Errorf("missing limit: %s", q)
	}

	if q := listQuery("", "", 50); q != "limit=50" {
		t.Errorf("got %q, want limit only", q)
	}
}

func TestPostFailureSigned(t *testing.T) {
	var got protocol.FailureEvent
	hook := webhook.New(webhook.Config{Endpoints: map[string]webhook.EndpointConfig{
		"databricks": {Secret: "s3cret"},
	}}, func(_ context.Context, ev protocol.FailureEvent) (string, error) {
		got = ev
		return "ticket-1", nil
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("POST /api/webhook/{endpoint}", hook)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	scenario, err := runner.Scenario("library")
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := postFailure(srv.URL+"/api/webhook/databricks", "s3cret", scenario.FailureEvent("etl", at))
	if err != nil {
		t.Fatalf("postFailure: %v", err)
	}
	if id != "ticket-1" {
		t.Errorf("ticket id = %q", id)
	}
	if got.JobName != "etl" || got.ErrorType != "ModuleNotFoundError" {
		t.Errorf("unexpected event: %+v", got)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, at)
	}
}

func TestPostFailureBadSecret(t *testing.T) {
	hook := webhook.New(webhook.Config{Endpoints: map[string]webhook.EndpointConfig{
		"databricks": {Secret: "s3cret"},
	}}, func(context.Context, protocol.FailureEvent) (string, error) {
		t.Error("handler should not run")
		return "", nil
	}, nil)
	srv := httptest.NewServer(hook)
	defer srv.Close()

	ev := protocol.FailureEvent{JobName: "etl", ErrorType: "TimeoutError", ErrorMessage: "timed out", Timestamp: time.Now()}
	if _, err := postFailure(srv.URL+"/api/webhook/databricks", "wrong", ev); err == nil {
		t.Fatal("expected error for bad signature")
	} else if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401, got %v", err)
	}
}
