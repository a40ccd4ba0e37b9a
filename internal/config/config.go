package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Defaults applied to fields left empty.
const (
	DefaultMaxRetries     = 3
	DefaultCooldown       = 5 * time.Minute
	DefaultAttemptTimeout = 30 * time.Minute
	DefaultRetryTick      = "@every 30s"
	DefaultExpirySweep    = "@every 1m"
	DefaultFailureRate    = 0.7
	DefaultLockTTL        = time.Hour
)

// Config is the top-level remedy configuration.
type Config struct {
	Store      StoreConfig     `json:"store"`
	Retry      RetryConfig     `json:"retry"`
	Approval   ApprovalConfig  `json:"approval"`
	Runner     RunnerConfig    `json:"runner"`
	Connectors ConnectorConfig `json:"connectors"`
	Redis      *RedisConfig    `json:"redis,omitempty"`
	API        APIConfig       `json:"api"`
}

// StoreConfig locates the ticket database. The path is never guessed.
type StoreConfig struct {
	Path string `json:"path"`
}

// RetryConfig holds the retry budget and pacing.
type RetryConfig struct {
	MaxRetries     int      `json:"max_retries"`
	Cooldown       Duration `json:"cooldown"`
	AttemptTimeout Duration `json:"attempt_timeout"`
	Tick           string   `json:"tick"` // cron schedule for the retry sweep
}

// ApprovalConfig holds approval expiry settings.
type ApprovalConfig struct {
	Timeout Duration `json:"timeout"` // 0 disables expiry
	Sweep   string   `json:"sweep"`   // cron schedule for the expiry sweep
}

// RunnerConfig selects how failed jobs are re-run.
type RunnerConfig struct {
	Type       string            `json:"type"` // "simulated" (default) or "databricks"
	Databricks *DatabricksConfig `json:"databricks,omitempty"`
	Simulated  SimulatedConfig   `json:"simulated"`
}

// DatabricksConfig holds Databricks workspace settings.
type DatabricksConfig struct {
	Host         string           `json:"host"`
	Token        string           `json:"token"`
	Jobs         map[string]int64 `json:"jobs"` // job name -> job id
	ClusterID    string           `json:"cluster_id,omitempty"`
	Libraries    []string         `json:"libraries,omitempty"` // PyPI packages reinstalled by reinstall_libraries
	PollInterval Duration         `json:"poll_interval,omitempty"`
}

// SimulatedConfig configures the random-failure runner.
type SimulatedConfig struct {
	FailureRate *float64 `json:"failure_rate,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
}

// ConnectorConfig holds settings for external platform connectors.
type ConnectorConfig struct {
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// WebhookConfig holds inbound failure webhook endpoints.
type WebhookConfig struct {
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig authenticates one webhook endpoint.
type EndpointConfig struct {
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
}

// SlackConfig holds Slack app settings.
type SlackConfig struct {
	BotToken  string   `json:"bot_token"`
	AppToken  string   `json:"app_token"`
	Channel   string   `json:"channel"`
	Approvers []string `json:"approvers,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	ChatID    int64   `json:"chat_id"`
	AllowFrom []int64 `json:"allow_from,omitempty"`
}

// RedisConfig enables the distributed ticket lock.
type RedisConfig struct {
	URL      string   `json:"url"`
	Password string   `json:"password,omitempty"`
	LockTTL  Duration `json:"lock_ttl,omitempty"`
	Prefix   string   `json:"prefix,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Duration is a time.Duration that reads "5m" style strings or seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q", x)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Load reads and validates configuration from a JSON file. Comments and
// trailing commas are allowed.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply overrides first.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a JSON (with comments) document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.Cooldown == 0 {
		c.Retry.Cooldown = Duration(DefaultCooldown)
	}
	if c.Retry.AttemptTimeout == 0 {
		c.Retry.AttemptTimeout = Duration(DefaultAttemptTimeout)
	}
	if c.Retry.Tick == "" {
		c.Retry.Tick = DefaultRetryTick
	}
	if c.Approval.Sweep == "" {
		c.Approval.Sweep = DefaultExpirySweep
	}
	if c.Runner.Type == "" {
		c.Runner.Type = "simulated"
	}
	if c.Runner.Simulated.FailureRate == nil {
		rate := DefaultFailureRate
		c.Runner.Simulated.FailureRate = &rate
	}
	if c.Redis != nil && c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = Duration(DefaultLockTTL)
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// LoadFromEnv builds a config from environment variables with REMEDY_ prefix.
// Each env file that exists is loaded first; variables already set win.
func LoadFromEnv(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var errs []error
	cfg := &Config{
		Store: StoreConfig{Path: os.Getenv("REMEDY_STORE_PATH")},
		Retry: RetryConfig{
			MaxRetries:     getenvInt("REMEDY_MAX_RETRIES", 0),
			Cooldown:       getenvDuration("REMEDY_COOLDOWN", &errs),
			AttemptTimeout: getenvDuration("REMEDY_ATTEMPT_TIMEOUT", &errs),
			Tick:           os.Getenv("REMEDY_RETRY_TICK"),
		},
		Approval: ApprovalConfig{
			Timeout: getenvDuration("REMEDY_APPROVAL_TIMEOUT", &errs),
			Sweep:   os.Getenv("REMEDY_APPROVAL_SWEEP"),
		},
		Runner: RunnerConfig{Type: os.Getenv("REMEDY_RUNNER")},
		API: APIConfig{
			Host: getenv("REMEDY_API_HOST", "0.0.0.0"),
			Port: getenvInt("REMEDY_API_PORT", 8080),
			Key:  os.Getenv("REMEDY_API_KEY"),
		},
	}

	if v := os.Getenv("REMEDY_FAILURE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("REMEDY_FAILURE_RATE: invalid number %q", v))
		} else {
			cfg.Runner.Simulated.FailureRate = &rate
		}
	}
	cfg.Runner.Simulated.Seed = int64(getenvInt("REMEDY_SEED", 0))

	if host := os.Getenv("REMEDY_DATABRICKS_HOST"); host != "" {
		jobs, err := parseJobMap(os.Getenv("REMEDY_DATABRICKS_JOBS"))
		if err != nil {
			errs = append(errs, fmt.Errorf("REMEDY_DATABRICKS_JOBS: %w", err))
		}
		cfg.Runner.Databricks = &DatabricksConfig{
			Host:      host,
			Token:     os.Getenv("REMEDY_DATABRICKS_TOKEN"),
			Jobs:      jobs,
			ClusterID: os.Getenv("REMEDY_DATABRICKS_CLUSTER_ID"),
			Libraries: splitList(os.Getenv("REMEDY_DATABRICKS_LIBRARIES")),
		}
		if cfg.Runner.Type == "" {
			cfg.Runner.Type = "databricks"
		}
	}

	secret, bearer := os.Getenv("REMEDY_WEBHOOK_SECRET"), os.Getenv("REMEDY_WEBHOOK_BEARER_TOKEN")
	if secret != "" || bearer != "" {
		cfg.Connectors.Webhook = &WebhookConfig{Endpoints: map[string]EndpointConfig{
			getenv("REMEDY_WEBHOOK_ENDPOINT", "databricks"): {Secret: secret, BearerToken: bearer},
		}}
	}

	if token := os.Getenv("REMEDY_SLACK_BOT_TOKEN"); token != "" {
		cfg.Connectors.Slack = &SlackConfig{
			BotToken:  token,
			AppToken:  os.Getenv("REMEDY_SLACK_APP_TOKEN"),
			Channel:   os.Getenv("REMEDY_SLACK_CHANNEL"),
			Approvers: splitList(os.Getenv("REMEDY_SLACK_APPROVERS")),
		}
	}

	if token := os.Getenv("REMEDY_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{
			Token:  token,
			ChatID: int64(getenvInt("REMEDY_TELEGRAM_CHAT_ID", 0)),
		}
		if ids := os.Getenv("REMEDY_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				errs = append(errs, fmt.Errorf("REMEDY_TELEGRAM_ALLOW_FROM: %w", err))
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
	}

	if url := os.Getenv("REMEDY_REDIS_URL"); url != "" {
		cfg.Redis = &RedisConfig{
			URL:      url,
			Password: os.Getenv("REMEDY_REDIS_PASSWORD"),
			LockTTL:  getenvDuration("REMEDY_REDIS_LOCK_TTL", &errs),
			Prefix:   os.Getenv("REMEDY_REDIS_PREFIX"),
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	if c.Retry.MaxRetries < 1 {
		errs = append(errs, "retry.max_retries must be at least 1")
	}
	if c.Retry.Cooldown < 0 {
		errs = append(errs, "retry.cooldown must not be negative")
	}
	if c.Approval.Timeout < 0 {
		errs = append(errs, "approval.timeout must not be negative")
	}

	switch c.Runner.Type {
	case "simulated":
		if r := c.Runner.Simulated.FailureRate; r != nil && (*r < 0 || *r > 1) {
			errs = append(errs, "runner.simulated.failure_rate must be between 0 and 1")
		}
	case "databricks":
		d := c.Runner.Databricks
		if d == nil {
			errs = append(errs, "runner.databricks is required when runner.type is databricks")
			break
		}
		if d.Host == "" {
			errs = append(errs, "runner.databricks.host is required")
		}
		if d.Token == "" {
			errs = append(errs, "runner.databricks.token is required")
		}
		if len(d.Jobs) == 0 {
			errs = append(errs, "runner.databricks.jobs must map at least one job")
		}
	default:
		errs = append(errs, fmt.Sprintf("runner.type %q is not one of simulated, databricks", c.Runner.Type))
	}

	if w := c.Connectors.Webhook; w != nil {
		for name, ep := range w.Endpoints {
			if ep.Secret == "" && ep.BearerToken == "" {
				errs = append(errs, fmt.Sprintf("connectors.webhook.endpoints.%s needs a secret or bearer_token", name))
			}
		}
	}
	if s := c.Connectors.Slack; s != nil {
		if s.BotToken == "" {
			errs = append(errs, "connectors.slack.bot_token is required")
		}
		if s.AppToken == "" {
			errs = append(errs, "connectors.slack.app_token is required")
		}
		if s.Channel == "" {
			errs = append(errs, "connectors.slack.channel is required")
		}
	}
	if tg := c.Connectors.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "connectors.telegram.token is required")
		}
		if tg.ChatID == 0 {
			errs = append(errs, "connectors.telegram.chat_id is required")
		}
	}
	if r := c.Redis; r != nil {
		if r.URL == "" {
			errs = append(errs, "redis.url is required")
		}
		// The lock must outlive an attempt or a second instance can take the ticket mid-run.
		if r.LockTTL <= c.Retry.AttemptTimeout {
			errs = append(errs, fmt.Sprintf("redis.lock_ttl (%s) must be longer than retry.attempt_timeout (%s)",
				r.LockTTL.Std(), c.Retry.AttemptTimeout.Std()))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, errs *[]error) Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return 0
	}
	return Duration(d)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseJobMap parses "name=id,name=id".
func parseJobMap(s string) (map[string]int64, error) {
	jobs := make(map[string]int64)
	for _, p := range splitList(s) {
		name, id, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid job mapping %q (want name=id)", p)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid job id %q", id)
		}
		jobs[strings.TrimSpace(name)] = n
	}
	return jobs, nil
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
