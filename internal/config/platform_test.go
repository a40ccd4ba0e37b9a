package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const remoteJSON = `{
  "store": {"path": "/central/path.db"},
  "retry": {"max_retries": 2, "cooldown": "1m"},
  "connectors": {"slack": {"bot_token": "xoxb", "app_token": "xapp", "channel": "C1"}}
}`

func TestLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(remoteJSON))
	}))
	defer srv.Close()

	cfg, err := LoadFromURL(context.Background(), RemoteOptions{
		URL:       srv.URL + "/remedy/config",
		APIKey:    "test-key",
		StorePath: "/local/tickets.db",
	})
	if err != nil {
		t.Fatalf("LoadFromURL: %v", err)
	}
	if cfg.Store.Path != "/local/tickets.db" {
		t.Errorf("store.path = %q, local path should win", cfg.Store.Path)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("max_retries = %d", cfg.Retry.MaxRetries)
	}
	if cfg.Connectors.Slack == nil || cfg.Connectors.Slack.Channel != "C1" {
		t.Errorf("slack = %+v", cfg.Connectors.Slack)
	}
}

func TestLoadFromURL_KeepsRemoteStorePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(remoteJSON))
	}))
	defer srv.Close()

	cfg, err := LoadFromURL(context.Background(), RemoteOptions{URL: srv.URL})
	if err != nil {
		t.Fatalf("LoadFromURL: %v", err)
	}
	if cfg.Store.Path != "/central/path.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
}

func TestLoadFromURL_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := LoadFromURL(context.Background(), RemoteOptions{URL: srv.URL, APIKey: "bad"})
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("expected 401 error, got %v", err)
	}
}

func TestLoadFromURL_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := LoadFromURL(context.Background(), RemoteOptions{URL: srv.URL})
	if err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFromURL_ValidationFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retry": {"max_retries": 2}}`))
	}))
	defer srv.Close()

	_, err := LoadFromURL(context.Background(), RemoteOptions{URL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "store.path") {
		t.Errorf("expected store.path error, got %v", err)
	}
}
