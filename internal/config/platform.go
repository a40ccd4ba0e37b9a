package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteOptions holds parameters for fetching config from a central endpoint.
type RemoteOptions struct {
	URL       string // full URL of the config document
	APIKey    string // sent as a Bearer token when set
	StorePath string // local ticket database, overrides the fetched value when set
}

// LoadFromURL fetches a JSON config document and returns the parsed Config.
func LoadFromURL(ctx context.Context, opts RemoteOptions) (*Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("remote config: create request: %w", err)
	}
	if opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote config: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote config: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote config: HTTP %d: %s", resp.StatusCode, string(body))
	}

	cfg, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("remote config: parse: %w", err)
	}

	// The database lives on this host, whatever the central document says.
	if opts.StorePath != "" {
		cfg.Store.Path = opts.StorePath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("remote config: %w", err)
	}
	return cfg, nil
}
