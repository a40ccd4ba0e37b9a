package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/remedy/pkg/protocol"
)

// Library is a cluster library spec as accepted by the Libraries API.
type Library struct {
	PyPI  *PyPILibrary `json:"pypi,omitempty"`
	Whl   string       `json:"whl,omitempty"`
	Jar   string       `json:"jar,omitempty"`
	Maven *MavenLib    `json:"maven,omitempty"`
}

type PyPILibrary struct {
	Package string `json:"package"`
	Repo    string `json:"repo,omitempty"`
}

type MavenLib struct {
	Coordinates string `json:"coordinates"`
}

// DatabricksConfig configures the Databricks Jobs runner.
type DatabricksConfig struct {
	Host         string           `json:"host"`
	Token        string           `json:"token"`
	Jobs         map[string]int64 `json:"jobs"`       // job name -> job id
	ClusterID    string           `json:"cluster_id"` // cluster for reinstall_libraries
	Libraries    []Library        `json:"libraries"`
	PollInterval time.Duration    `json:"-"`
}

// Databricks triggers job runs through the Jobs API and waits for the result.
type Databricks struct {
	client *http.Client
	cfg    DatabricksConfig
}

// DatabricksOption configures a Databricks runner.
type DatabricksOption func(*Databricks)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) DatabricksOption {
	return func(d *Databricks) { d.client = c }
}

// NewDatabricks creates a Databricks runner.
func NewDatabricks(cfg DatabricksConfig, opts ...DatabricksOption) *Databricks {
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	d := &Databricks{
		client: &http.Client{Timeout: 60 * time.Second},
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Databricks) Run(ctx context.Context, job string, action protocol.Action) error {
	jobID, ok := d.cfg.Jobs[job]
	if !ok {
		return fmt.Errorf("databricks: no job id configured for %q", job)
	}

	if action == protocol.ActionReinstallLibraries && d.cfg.ClusterID != "" && len(d.cfg.Libraries) > 0 {
		if err := d.installLibraries(ctx); err != nil {
			return err
		}
	}

	var started runNowResponse
	if err := d.do(ctx, http.MethodPost, "/api/2.1/jobs/run-now", runNowRequest{JobID: jobID}, &started); err != nil {
		return err
	}

	return d.wait(ctx, started.RunID)
}

func (d *Databricks) installLibraries(ctx context.Context) error {
	req := installRequest{ClusterID: d.cfg.ClusterID, Libraries: d.cfg.Libraries}
	return d.do(ctx, http.MethodPost, "/api/2.0/libraries/install", req, nil)
}

func (d *Databricks) wait(ctx context.Context, runID int64) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	path := "/api/2.1/jobs/runs/get?run_id=" + url.QueryEscape(strconv.FormatInt(runID, 10))
	for {
		var run runResponse
		if err := d.do(ctx, http.MethodGet, path, nil, &run); err != nil {
			return err
		}

		switch run.State.LifeCycleState {
		case "TERMINATED", "SKIPPED", "INTERNAL_ERROR":
			if run.State.ResultState == "SUCCESS" {
				return nil
			}
			return &JobError{
				Type:    "Databricks" + titleCase(run.State.ResultState),
				Message: fmt.Sprintf("run %d %s: %s", runID, strings.ToLower(run.State.LifeCycleState), run.State.StateMessage),
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("databricks: waiting for run %d: %w", runID, ctx.Err())
		}
	}
}

func (d *Databricks) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("databricks: marshal: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.Host+path, reader)
	if err != nil {
		return fmt.Errorf("databricks: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("databricks: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("databricks: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("databricks: api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("databricks: unmarshal response: %w", err)
	}
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return "Failed"
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}

// --- Databricks wire format types ---

type runNowRequest struct {
	JobID int64 `json:"job_id"`
}

type runNowResponse struct {
	RunID int64 `json:"run_id"`
}

type installRequest struct {
	ClusterID string    `json:"cluster_id"`
	Libraries []Library `json:"libraries"`
}

type runResponse struct {
	RunID int64    `json:"run_id"`
	State runState `json:"state"`
}

type runState struct {
	LifeCycleState string `json:"life_cycle_state"`
	ResultState    string `json:"result_state"`
	StateMessage   string `json:"state_message"`
}
